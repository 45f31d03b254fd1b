package chains

import (
	"context"
	"testing"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	tpls := f.engine.Templates()

	def, err := tpls.Get(ctx, dom.DefaultTemplateID)
	require.NoError(t, err)
	assert.True(t, def.IsDefault)

	def.Name = "Hijacked"
	assert.ErrorIs(t, tpls.Update(ctx, "admin-1", def), dom.ErrForbidden)
	assert.ErrorIs(t, tpls.Delete(ctx, "admin-1", dom.DefaultTemplateID), dom.ErrForbidden)
	assert.ErrorIs(t, tpls.Create(ctx, "admin-1", &dom.ChainTemplate{ID: dom.DefaultTemplateID, Name: "x",
		Steps: []dom.TemplateStep{{RequiredRole: "admin", Label: "x"}}}), dom.ErrForbidden)

	def, err = tpls.Get(ctx, dom.DefaultTemplateID)
	require.NoError(t, err)
	assert.Equal(t, dom.DefaultTemplate().Name, def.Name)
}

func TestTemplateDeleteGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	tpls := f.engine.Templates()

	a := f.approval(t)
	_, err := f.engine.CreateChainForApproval(ctx, a.ID, "abc")
	require.NoError(t, err)

	assert.ErrorIs(t, tpls.Delete(ctx, "admin-1", "abc"), dom.ErrConflict)

	s := f.byLabel(t, a.ID)
	f.decide(t, s["A"].ID, dom.StepRejected)

	require.NoError(t, tpls.Delete(ctx, "admin-1", "abc"))
	_, err = tpls.Get(ctx, "abc")
	assert.ErrorIs(t, err, dom.ErrNotFound)
}

func TestTemplateValidation(t *testing.T) {
	ctx := context.Background()
	tpls := newFixture(t, nil).engine.Templates()

	bad := []*dom.ChainTemplate{
		{Name: "", Steps: []dom.TemplateStep{{RequiredRole: "admin", Label: "A"}}},
		{Name: "no steps"},
		{Name: "negative", Steps: []dom.TemplateStep{{Order: -1, RequiredRole: "admin", Label: "A"}}},
		{Name: "blank role", Steps: []dom.TemplateStep{{RequiredRole: " ", Label: "A"}}},
	}
	for _, tpl := range bad {
		assert.ErrorIs(t, tpls.Create(ctx, "admin-1", tpl), dom.ErrValidation, tpl.Name)
	}

	ok := &dom.ChainTemplate{Name: "Solo", WorkspaceID: "ws-1", Steps: []dom.TemplateStep{{RequiredRole: "owner", Label: "Owner"}}}
	require.NoError(t, tpls.Create(ctx, "admin-1", ok))
	assert.NotEmpty(t, ok.ID)

	list, err := tpls.List(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, dom.DefaultTemplateID, list[0].ID)
}

func TestCloneForWorkspace(t *testing.T) {
	ctx := context.Background()
	tpls := newFixture(t, nil).engine.Templates()

	cloned, err := tpls.CloneForWorkspace(ctx, "admin-1", "ws-new")
	require.NoError(t, err)
	require.Len(t, cloned, 2)
	for _, c := range cloned {
		assert.Equal(t, "ws-new", c.WorkspaceID)
		assert.False(t, c.IsDefault)
		assert.NotEqual(t, dom.DefaultTemplateID, c.ID)
	}

	again, err := tpls.CloneForWorkspace(ctx, "admin-1", "ws-new")
	require.NoError(t, err)
	assert.Empty(t, again)

	// the clone of the default template is editable
	cloned[0].Name = "Workspace default"
	assert.NoError(t, tpls.Update(ctx, "admin-1", cloned[0]))

	_, err = tpls.CloneForWorkspace(ctx, "admin-1", "")
	assert.ErrorIs(t, err, dom.ErrValidation)
}
