package common

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/cuihairu/countersign/internal/objstore"
	"github.com/cuihairu/countersign/internal/policy"
)

func fileExists(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

func ValidateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

// ValidateConfig checks value ranges and referenced files. All problems are
// reported together.
func ValidateConfig(s *Settings) error {
	var errs []error
	add := func(key string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	switch strings.ToLower(s.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", fmt.Errorf("unknown level %q", s.Log.Level))
	}
	switch strings.ToLower(s.Log.Format) {
	case "", "console", "json":
	default:
		add("log.format", fmt.Errorf("unknown format %q", s.Log.Format))
	}
	if s.Approvals.TTL < 0 {
		add("approvals.ttl", errors.New("must not be negative"))
	}
	if s.Dispatch.MaxAttempts < 1 || s.Dispatch.MaxAttempts > 20 {
		add("dispatch.max_attempts", fmt.Errorf("%d out of range 1..20", s.Dispatch.MaxAttempts))
	}
	if s.Dispatch.BaseDelay <= 0 {
		add("dispatch.base_delay", errors.New("must be positive"))
	}
	if s.Dispatch.MaxDelay < s.Dispatch.BaseDelay {
		add("dispatch.max_delay", errors.New("must not be below base_delay"))
	}
	if s.Worker.Interval < 0 {
		add("worker.interval", errors.New("must not be negative"))
	}
	if s.Worker.HealthAddr != "" {
		add("worker.health_addr", ValidateAddr(s.Worker.HealthAddr))
	}
	if s.Policy.Path != "" {
		if _, err := policy.Load(s.Policy.Path); err != nil {
			add("policy.path", err)
		}
	} else if s.Policy.Watch {
		add("policy.watch", errors.New("requires policy.path"))
	}
	if s.RBAC.Policy != "" {
		add("rbac.policy", fileExists(s.RBAC.Policy))
	}
	switch strings.ToLower(s.Events.Type) {
	case "", "noop", "redis":
	case "kafka":
		if len(s.Events.KafkaBrokers) == 0 {
			add("events.kafka_brokers", errors.New("required for kafka"))
		}
	default:
		add("events.type", fmt.Errorf("unknown type %q", s.Events.Type))
	}
	if s.Archive.Enabled() {
		add("archive", objstore.Validate(s.Archive))
	}
	if r := s.Telemetry.SamplingRatio; r < 0 || r > 1 {
		add("telemetry.sampling_ratio", fmt.Errorf("%v out of range 0..1", r))
	}
	return errors.Join(errs...)
}
