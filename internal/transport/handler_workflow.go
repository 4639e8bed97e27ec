package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/covenant/internal/escalation"
	"github.com/pitabwire/covenant/internal/workflow"
	"github.com/pitabwire/covenant/model"
)

func (a *api) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	templates, err := a.workflow.Templates(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": templates})
}

func (a *api) handleTemplateCreate(w http.ResponseWriter, r *http.Request) {
	var in workflow.TemplateInput
	if err := decodeJSON(r, &in); err != nil {
		WriteError(w, err)
		return
	}
	tpl, err := a.workflow.CreateTemplate(r.Context(), actorOf(r), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, tpl)
}

func (a *api) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	tpl, err := a.workflow.Template(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tpl)
}

func (a *api) handleTemplateUpdate(w http.ResponseWriter, r *http.Request) {
	var in workflow.TemplateInput
	if err := decodeJSON(r, &in); err != nil {
		WriteError(w, err)
		return
	}
	tpl, err := a.workflow.UpdateTemplate(r.Context(), actorOf(r), chi.URLParam(r, "templateId"), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tpl)
}

func (a *api) handleTemplatePublish(w http.ResponseWriter, r *http.Request) {
	tpl, err := a.workflow.PublishTemplate(r.Context(), actorOf(r), chi.URLParam(r, "templateId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tpl)
}

func (a *api) handleTemplateVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		WriteError(w, model.NewBadRequestError("version must be a positive integer"))
		return
	}
	v, err := a.workflow.TemplateVersion(r.Context(), chi.URLParam(r, "templateId"), version)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

func (a *api) handleWorkflowStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ContractID string `json:"contract_id"`
		TemplateID string `json:"template_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	inst, err := a.workflow.StartWorkflow(r.Context(), actorOf(r), body.ContractID, body.TemplateID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, inst)
}

func (a *api) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	inst, err := a.workflow.Instance(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (a *api) handleContractWorkflow(w http.ResponseWriter, r *http.Request) {
	inst, err := a.workflow.ActiveInstance(r.Context(), chi.URLParam(r, "contractId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (a *api) handleWorkflowAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StageName string       `json:"stage_name"`
		Action    model.Action `json:"action"`
		Comment   string       `json:"comment"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	inst, err := a.workflow.PerformAction(r.Context(), actorOf(r),
		chi.URLParam(r, "instanceId"), body.StageName, body.Action, body.Comment)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (a *api) handleWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.workflow.History(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": history})
}

func (a *api) handleRuleList(w http.ResponseWriter, r *http.Request) {
	rules, err := a.escalation.Rules(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": rules})
}

func (a *api) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var in escalation.RuleInput
	if err := decodeJSON(r, &in); err != nil {
		WriteError(w, err)
		return
	}
	in.TemplateID = chi.URLParam(r, "templateId")
	rule, err := a.escalation.AddRule(r.Context(), actorOf(r), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, rule)
}

func (a *api) handleEscalationList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unresolved, _ := strconv.ParseBool(q.Get("unresolved"))
	events, err := a.escalation.Events(r.Context(), model.EscalationFilter{
		ContractID:     q.Get("contract_id"),
		UnresolvedOnly: unresolved,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (a *api) handleEscalationResolve(w http.ResponseWriter, r *http.Request) {
	ev, err := a.escalation.ResolveEscalation(r.Context(), actorOf(r), chi.URLParam(r, "eventId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, ev)
}

func (a *api) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("resource_type") == "" {
		WriteError(w, model.NewBadRequestError("resource_type is required"))
		return
	}
	entries, err := a.ledger.List(r.Context(), q.Get("resource_type"), q.Get("resource_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}
