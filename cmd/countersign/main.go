package main

import (
	"context"
	"os"

	"github.com/cuihairu/countersign/internal/cli/countersigncmd"
)

func main() {
	os.Exit(countersigncmd.Main(context.Background(), os.Args[1:]))
}
