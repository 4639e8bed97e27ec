package workflow

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/audit"
	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/internal/validate"
	"github.com/pitabwire/covenant/model"
)

// TemplateInput is the editable body of a workflow template.
type TemplateInput struct {
	Name         string        `json:"name"`
	ContractType string        `json:"contract_type,omitempty"`
	Stages       []model.Stage `json:"stages"`
}

func validateTemplate(tpl model.WorkflowTemplate) error {
	if err := validate.Struct(tpl); err != nil {
		return err
	}
	seen := make(map[string]bool, len(tpl.Stages))
	for i, s := range tpl.Stages {
		if seen[s.Name] {
			return validate.Field(fmt.Sprintf("stages[%d].name", i), "UNIQUE", fmt.Sprintf("duplicate stage name %q", s.Name))
		}
		seen[s.Name] = true
	}
	return nil
}

// CreateTemplate stores a new draft template.
func (e *Engine) CreateTemplate(ctx context.Context, actor model.Actor, in TemplateInput) (model.WorkflowTemplate, error) {
	now := e.now().UTC()
	tpl := model.WorkflowTemplate{
		ID:           uuid.New().String(),
		Name:         in.Name,
		ContractType: in.ContractType,
		Stages:       slices.Clone(in.Stages),
		Status:       model.TemplateStatusDraft,
		CreatedBy:    actor.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := validateTemplate(tpl); err != nil {
		return model.WorkflowTemplate{}, err
	}

	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateTemplate(ctx, tpl); err != nil {
			return err
		}
		return audit.Log(ctx, tx, now, "workflow_template.create", audit.ResourceTemplate, tpl.ID,
			map[string]any{"name": tpl.Name, "stages": len(tpl.Stages)}, &actor)
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	return tpl, nil
}

// UpdateTemplate replaces the editable body of a template. Editing a
// published template returns it to draft; instances already running keep
// the version they were started on, and new instances cannot start until
// the template is published again.
func (e *Engine) UpdateTemplate(ctx context.Context, actor model.Actor, id string, in TemplateInput) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		tpl, err = tx.GetTemplateForUpdate(ctx, id)
		if err != nil {
			return err
		}
		wasPublished := tpl.Status == model.TemplateStatusPublished

		tpl.Name = in.Name
		tpl.ContractType = in.ContractType
		tpl.Stages = slices.Clone(in.Stages)
		tpl.Status = model.TemplateStatusDraft
		tpl.UpdatedAt = e.now().UTC()
		if err := validateTemplate(tpl); err != nil {
			return err
		}
		if err := tx.UpdateTemplate(ctx, tpl); err != nil {
			return err
		}
		return audit.Log(ctx, tx, tpl.UpdatedAt, "workflow_template.update", audit.ResourceTemplate, tpl.ID,
			map[string]any{"unpublished": wasPublished, "version": tpl.Version}, &actor)
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	return tpl, nil
}

// PublishTemplate freezes the current stages as a new version. Publishing a
// template that is already published and unchanged returns it as is.
func (e *Engine) PublishTemplate(ctx context.Context, actor model.Actor, id string) (_ model.WorkflowTemplate, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.publish_template", observability.AttrTemplateID.String(id))
	defer func() { observability.EndSpanWithError(span, err) }()

	var tpl model.WorkflowTemplate
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		tpl, err = tx.GetTemplateForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if tpl.Status == model.TemplateStatusPublished {
			return nil
		}
		if len(tpl.Stages) == 0 {
			return validate.Field("stages", "REQUIRED", "a template needs at least one stage to be published")
		}

		now := e.now().UTC()
		tpl.Status = model.TemplateStatusPublished
		tpl.Version++
		tpl.PublishedAt = &now
		tpl.UpdatedAt = now
		if err := tx.UpdateTemplate(ctx, tpl); err != nil {
			return err
		}
		if err := tx.CreateTemplateVersion(ctx, model.TemplateVersion{
			TemplateID:  tpl.ID,
			Version:     tpl.Version,
			Stages:      slices.Clone(tpl.Stages),
			PublishedAt: now,
		}); err != nil {
			return err
		}
		return audit.Log(ctx, tx, now, "workflow_template.publish", audit.ResourceTemplate, tpl.ID,
			map[string]any{"version": tpl.Version}, &actor)
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	e.logger.Info("workflow template published",
		zap.String("template_id", tpl.ID),
		zap.Int("version", tpl.Version),
		zap.String("actor_id", actor.ID),
	)
	return tpl, nil
}

// Template returns a template by ID.
func (e *Engine) Template(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		tpl, err = tx.GetTemplate(ctx, id)
		return err
	})
	return tpl, err
}

// Templates returns every template, oldest first.
func (e *Engine) Templates(ctx context.Context) ([]model.WorkflowTemplate, error) {
	var out []model.WorkflowTemplate
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListTemplates(ctx)
		return err
	})
	return out, err
}

// TemplateVersion returns a frozen published version.
func (e *Engine) TemplateVersion(ctx context.Context, id string, version int) (model.TemplateVersion, error) {
	var v model.TemplateVersion
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		v, err = tx.GetTemplateVersion(ctx, id, version)
		return err
	})
	return v, err
}
