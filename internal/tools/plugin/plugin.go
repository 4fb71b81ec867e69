// Package plugin is the statically registered server-side tool backend.
// Its table is fixed at construction: the reminder CRUD surface plus the
// role-change tool.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/softwind/echowire/internal/reminder"
	"github.com/softwind/echowire/internal/tools"
)

// Notifier lets the reminder tools hand freshly created reminders to the
// scheduler without importing it.
type Notifier interface {
	Enqueue(r *reminder.Reminder)
}

type Executor struct {
	reminders reminder.Store
	notifier  Notifier
	table     map[string]handler
}

type handler struct {
	def tools.Definition
	fn  func(ctx context.Context, sess tools.Session, args map[string]any) tools.ActionResponse
}

func New(reminders reminder.Store, notifier Notifier) *Executor {
	e := &Executor{reminders: reminders, notifier: notifier}
	e.table = map[string]handler{
		"create_reminder":        {def: createReminderDef, fn: e.createReminder},
		"get_list_reminder":      {def: listReminderDef, fn: e.listReminders},
		"delete_reminder":        {def: deleteReminderDef, fn: e.deleteReminders},
		"update_status_reminder": {def: updateStatusDef, fn: e.updateStatus},
		"change_role":            {def: changeRoleDef, fn: e.changeRole},
	}
	return e
}

func (e *Executor) GetTools(context.Context) (map[string]tools.Definition, error) {
	defs := make(map[string]tools.Definition, len(e.table))
	for name, h := range e.table {
		defs[name] = h.def
	}
	return defs, nil
}

func (e *Executor) HasTool(_ context.Context, name string) bool {
	_, ok := e.table[name]
	return ok
}

func (e *Executor) Execute(ctx context.Context, sess tools.Session, name string, args map[string]any) tools.ActionResponse {
	h, ok := e.table[name]
	if !ok {
		return tools.NotFound(name)
	}
	return h.fn(ctx, sess, args)
}

// message wraps tool output in the JSON envelope the LLM renders.
func message(format string, args ...any) string {
	out, _ := json.Marshal(map[string]string{"message": fmt.Sprintf(format, args...)})
	return string(out)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

var createReminderDef = tools.Definition{
	Name:        "create_reminder",
	Description: "Create a reminder for the user. remind_at must be an ISO-8601 timestamp with offset, strictly in the future.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"remind_at": map[string]any{"type": "string", "description": "ISO-8601 timestamp with offset"},
			"content":   map[string]any{"type": "string"},
			"title":     map[string]any{"type": "string"},
			"metadata":  map[string]any{"type": "object"},
		},
		"required": []string{"remind_at", "content"},
	},
}

func (e *Executor) createReminder(ctx context.Context, sess tools.Session, args map[string]any) tools.ActionResponse {
	remindAtRaw := stringArg(args, "remind_at")
	content := stringArg(args, "content")
	if remindAtRaw == "" || content == "" {
		return tools.Errorf("create_reminder requires remind_at and content")
	}

	remindAt, err := time.Parse(time.RFC3339, remindAtRaw)
	if err != nil {
		return tools.Errorf(fmt.Sprintf("invalid remind_at %q: must be ISO-8601 with offset", remindAtRaw))
	}
	now := time.Now().UTC()
	remindAt = remindAt.UTC()
	if !remindAt.After(now) {
		return tools.Errorf("remind_at must be in the future")
	}

	deviceUUID, err := uuid.Parse(sess.DeviceUUID())
	if err != nil {
		return tools.Errorf("session has no registered device identity")
	}

	metadata, _ := args["metadata"].(map[string]any)
	r := &reminder.Reminder{
		ID:         uuid.New(),
		DeviceUUID: deviceUUID,
		DeviceMAC:  sess.DeviceMAC(),
		Title:      stringArg(args, "title"),
		Content:    content,
		Metadata:   metadata,
		RemindAt:   remindAt,
		Status:     reminder.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.reminders.Create(ctx, r); err != nil {
		slog.Error("plugin: create reminder failed", "error", err)
		return tools.Errorf("could not save the reminder")
	}
	if e.notifier != nil {
		e.notifier.Enqueue(r)
	}

	slog.Info("plugin: reminder created", "id", r.ID, "remind_at", r.RemindAt, "device", r.DeviceMAC)
	payload, _ := json.Marshal(map[string]any{
		"message":   "reminder created",
		"id":        r.ID.String(),
		"remind_at": r.RemindAt.Format(time.RFC3339),
		"content":   r.Content,
	})
	return tools.ReqLLM(string(payload))
}

var listReminderDef = tools.Definition{
	Name:        "get_list_reminder",
	Description: "List the user's reminders for a period.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"period": map[string]any{"type": "string", "enum": []string{"today", "week"}},
			"status": map[string]any{"type": "string", "enum": []string{"pending", "completed"}},
		},
		"required": []string{"period", "status"},
	},
}

func (e *Executor) listReminders(ctx context.Context, sess tools.Session, args map[string]any) tools.ActionResponse {
	period := reminder.Period(stringArg(args, "period"))
	if period != reminder.PeriodToday && period != reminder.PeriodWeek {
		return tools.Errorf("period must be today or week")
	}
	status, err := reminder.ParseStatus(stringArg(args, "status"))
	if err != nil {
		return tools.Errorf(err.Error())
	}

	deviceUUID, err := uuid.Parse(sess.DeviceUUID())
	if err != nil {
		return tools.Errorf("session has no registered device identity")
	}

	list, err := e.reminders.List(ctx, deviceUUID, period, status)
	if err != nil {
		slog.Error("plugin: list reminders failed", "error", err)
		return tools.Errorf("could not load reminders")
	}

	items := make([]map[string]any, 0, len(list))
	for _, r := range list {
		items = append(items, map[string]any{
			"id":        r.ID.String(),
			"title":     r.Title,
			"content":   r.Content,
			"remind_at": r.RemindAt.Format(time.RFC3339),
			"status":    string(r.Status),
		})
	}
	payload, _ := json.Marshal(map[string]any{
		"message":   fmt.Sprintf("%d reminders", len(items)),
		"reminders": items,
	})
	return tools.ReqLLM(string(payload))
}

var deleteReminderDef = tools.Definition{
	Name:        "delete_reminder",
	Description: "Delete reminders by id.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"ids"},
	},
}

func (e *Executor) deleteReminders(ctx context.Context, _ tools.Session, args map[string]any) tools.ActionResponse {
	raw, _ := args["ids"].([]any)
	var ids []uuid.UUID
	for _, v := range raw {
		s, _ := v.(string)
		parsed, err := uuid.Parse(s)
		if err != nil {
			return tools.Errorf(fmt.Sprintf("invalid reminder id %q", s))
		}
		ids = append(ids, parsed)
	}
	if len(ids) == 0 {
		return tools.Errorf("delete_reminder requires at least one id")
	}

	n, err := e.reminders.Delete(ctx, ids)
	if err != nil {
		slog.Error("plugin: delete reminders failed", "error", err)
		return tools.Errorf("could not delete reminders")
	}
	return tools.ReqLLM(message("deleted %d reminders", n))
}

var updateStatusDef = tools.Definition{
	Name:        "update_status_reminder",
	Description: "Update the status of a reminder.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":     map[string]any{"type": "string"},
			"status": map[string]any{"type": "string", "enum": []string{"pending", "received", "completed", "failed"}},
		},
		"required": []string{"id", "status"},
	},
}

func (e *Executor) updateStatus(ctx context.Context, _ tools.Session, args map[string]any) tools.ActionResponse {
	id, err := uuid.Parse(stringArg(args, "id"))
	if err != nil {
		return tools.Errorf("invalid reminder id")
	}
	status, err := reminder.ParseStatus(stringArg(args, "status"))
	if err != nil {
		return tools.Errorf(err.Error())
	}

	if err := e.reminders.UpdateStatus(ctx, id, status); err != nil {
		slog.Error("plugin: update reminder status failed", "id", id, "error", err)
		return tools.Errorf("could not update the reminder")
	}
	return tools.ReqLLM(message("reminder %s is now %s", id, status))
}

var changeRoleDef = tools.Definition{
	Name:        "change_role",
	Description: "Switch the assistant's persona for this session.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role":   map[string]any{"type": "string", "description": "Name of the persona"},
			"prompt": map[string]any{"type": "string", "description": "Full system prompt of the persona"},
		},
		"required": []string{"role", "prompt"},
	},
}

func (e *Executor) changeRole(_ context.Context, sess tools.Session, args map[string]any) tools.ActionResponse {
	role := stringArg(args, "role")
	prompt := stringArg(args, "prompt")
	if role == "" || prompt == "" {
		return tools.Errorf("change_role requires role and prompt")
	}

	sess.SetSystemPrompt(prompt)
	slog.Info("plugin: role changed", "session", sess.ID(), "role", role)
	return tools.Respond(fmt.Sprintf("I'm %s now.", role))
}
