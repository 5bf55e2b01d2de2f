package target

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/seantiz/kiln/internal/model"
)

// Built-in job kinds.
const (
	KindUser = "user"
	KindCard = "card"
)

// ErrInvalidPayload is returned when a job payload lacks a required field.
var ErrInvalidPayload = errors.New("invalid job payload")

// Target is the interface every renderable job kind implements.
type Target interface {
	// Params validates the job payload and builds the render parameters.
	Params(job model.Job) (model.RenderParams, error)

	// Info describes the target for listing.
	Info() Info
}

// Info describes a registered target.
type Info struct {
	Kind           string   `json:"kind"`
	RequiredFields []string `json:"required_fields"`
	Snapshot       bool     `json:"snapshot"`
}

type userTarget struct{}

// User renders a user's profile header: /@<name>.
func User() Target { return userTarget{} }

func (userTarget) Params(job model.Job) (model.RenderParams, error) {
	name, ok := job.String("name")
	if !ok || name == "" {
		return model.RenderParams{}, fmt.Errorf("%w: %s requires string field %q", ErrInvalidPayload, KindUser, "name")
	}
	return model.RenderParams{
		URL:                "/@" + url.PathEscape(name),
		ScreenshotSelector: "header + div > div",
	}, nil
}

func (userTarget) Info() Info {
	return Info{Kind: KindUser, RequiredFields: []string{"name"}}
}

type cardTarget struct{}

// Card renders an open card and snapshots its editor HTML: /open/<id>.
func Card() Target { return cardTarget{} }

func (cardTarget) Params(job model.Job) (model.RenderParams, error) {
	id, ok := job.String("id")
	if !ok || id == "" {
		return model.RenderParams{}, fmt.Errorf("%w: %s requires string field %q", ErrInvalidPayload, KindCard, "id")
	}
	snapshot := "article [data-slate-editor]"
	return model.RenderParams{
		URL:                "/open/" + url.PathEscape(id),
		ScreenshotSelector: "article",
		SnapshotSelector:   &snapshot,
	}, nil
}

func (cardTarget) Info() Info {
	return Info{Kind: KindCard, RequiredFields: []string{"id"}, Snapshot: true}
}
