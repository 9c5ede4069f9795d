package actions

import (
	"context"

	"github.com/sendloop/journey/pkg/schema"
)

// ProfileService mutates subject profiles. Implementations are expected to be
// idempotent for tag operations; SetField is last-write-wins.
type ProfileService interface {
	AddTag(ctx context.Context, subjectID, tag string) error
	RemoveTag(ctx context.Context, subjectID, tag string) error
	SetField(ctx context.Context, subjectID, field string, value any) error
}

// AddTagAction attaches a tag to the subject's profile.
type AddTagAction struct {
	profiles ProfileService
}

func NewAddTagAction(profiles ProfileService) *AddTagAction {
	return &AddTagAction{profiles: profiles}
}

func (a *AddTagAction) Type() schema.ActionType {
	return schema.ActionAddTag
}

func (a *AddTagAction) Execute(ctx context.Context, in Input) (*Output, error) {
	tag, err := stringParam(in.Params, "tag")
	if err != nil {
		return nil, Permanent(err)
	}
	if err := a.profiles.AddTag(ctx, in.SubjectID, tag); err != nil {
		return nil, err
	}
	return &Output{}, nil
}

// RemoveTagAction detaches a tag from the subject's profile. Removing an
// absent tag is a no-op for conforming ProfileService implementations.
type RemoveTagAction struct {
	profiles ProfileService
}

func NewRemoveTagAction(profiles ProfileService) *RemoveTagAction {
	return &RemoveTagAction{profiles: profiles}
}

func (a *RemoveTagAction) Type() schema.ActionType {
	return schema.ActionRemoveTag
}

func (a *RemoveTagAction) Execute(ctx context.Context, in Input) (*Output, error) {
	tag, err := stringParam(in.Params, "tag")
	if err != nil {
		return nil, Permanent(err)
	}
	if err := a.profiles.RemoveTag(ctx, in.SubjectID, tag); err != nil {
		return nil, err
	}
	return &Output{}, nil
}

// SetFieldAction writes a profile field value.
type SetFieldAction struct {
	profiles ProfileService
}

func NewSetFieldAction(profiles ProfileService) *SetFieldAction {
	return &SetFieldAction{profiles: profiles}
}

func (a *SetFieldAction) Type() schema.ActionType {
	return schema.ActionSetField
}

func (a *SetFieldAction) Execute(ctx context.Context, in Input) (*Output, error) {
	field, err := stringParam(in.Params, "field")
	if err != nil {
		return nil, Permanent(err)
	}
	value, ok := in.Params["value"]
	if !ok {
		return nil, Permanent(schema.NewError(schema.ErrCodeValidation, "set_field requires a value param"))
	}
	if err := a.profiles.SetField(ctx, in.SubjectID, field, value); err != nil {
		return nil, err
	}
	return &Output{}, nil
}
