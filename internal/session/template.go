package session

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/pms/internal/model"
)

// SaveTemplate stores a launch request under a name for later reuse. The
// session code is not kept; a new one is suggested on every launch.
func (c *Controller) SaveTemplate(ctx context.Context, actor model.Actor, name string, req LaunchRequest) (model.ExamTemplate, error) {
	if err := requireStaff(actor); err != nil {
		return model.ExamTemplate{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.ExamTemplate{}, &model.InputError{Fields: map[string]string{"name": "is required"}}
	}
	req.SessionCode = ""
	payload, err := json.Marshal(req)
	if err != nil {
		return model.ExamTemplate{}, err
	}
	t := model.ExamTemplate{
		ID:        uuid.NewString(),
		Name:      name,
		TeacherID: actor.UserID,
		Payload:   payload,
		CreatedAt: c.now(),
	}
	if err := c.store.SaveTemplate(ctx, t); err != nil {
		return model.ExamTemplate{}, err
	}
	return t, nil
}

// Templates lists the actor's saved templates.
func (c *Controller) Templates(ctx context.Context, actor model.Actor) ([]model.ExamTemplate, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	return c.store.ListTemplates(ctx, actor.UserID)
}

// Template loads a saved launch request.
func (c *Controller) Template(ctx context.Context, actor model.Actor, id string) (LaunchRequest, error) {
	if err := requireStaff(actor); err != nil {
		return LaunchRequest{}, err
	}
	t, err := c.store.GetTemplate(ctx, actor.UserID, id)
	if err != nil {
		return LaunchRequest{}, err
	}
	var req LaunchRequest
	if err := json.Unmarshal(t.Payload, &req); err != nil {
		return LaunchRequest{}, err
	}
	return req, nil
}

// DeleteTemplate removes one of the actor's templates.
func (c *Controller) DeleteTemplate(ctx context.Context, actor model.Actor, id string) error {
	if err := requireStaff(actor); err != nil {
		return err
	}
	return c.store.DeleteTemplate(ctx, actor.UserID, id)
}
