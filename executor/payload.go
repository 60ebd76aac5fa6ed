// Package executor holds the per-job-type executors and the dispatcher
// that routes a claimed job to the right one. Executors are plain
// functions over an authenticated client, a logger, and a payload; no
// executor knows about queues or pools.
package executor

import (
	"encoding/json"

	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/pacing"
	"github.com/skyfleet-io/skyfleet/social"
)

// AccountRef is the account-identity portion shared by all payloads.
// Either AccountID names a stored account, or SessionData (plus
// optional AccountMetadata) is carried inline on the job.
type AccountRef struct {
	AccountID       string                  `json:"accountId,omitempty"`
	SessionData     *social.SessionData     `json:"sessionData,omitempty"`
	AccountMetadata *social.AccountMetadata `json:"accountMetadata,omitempty"`
}

func (r AccountRef) validate() error {
	if r.AccountID == "" && r.SessionData == nil {
		return errors.Wrap(errors.ErrBadRequest, "payload needs accountId or sessionData")
	}
	return nil
}

// EngagementPayload drives one engagement job.
type EngagementPayload struct {
	AccountRef
	EngagementOptions *pacing.Options `json:"engagementOptions,omitempty"`
	StrategyType      pacing.Strategy `json:"strategyType,omitempty"`
	FeedURI           string          `json:"feedUri,omitempty"` // "" = home timeline
	Seed              int64           `json:"seed,omitempty"`    // 0 = time-based
	DryRun            bool            `json:"dryRun,omitempty"`
	StopOnError       bool            `json:"stopOnError,omitempty"`
}

// Validate checks the payload at intake time.
func (p *EngagementPayload) Validate() error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.StrategyType != "" && p.StrategyType != pacing.StrategyUniform && p.StrategyType != pacing.StrategyHumanLike {
		return errors.Wrapf(errors.ErrBadRequest, "unknown strategy %q", p.StrategyType)
	}
	return nil
}

// PostItem is one entry in a mass-post batch.
type PostItem struct {
	Text             string `json:"text"`
	ImageURL         string `json:"imageUrl,omitempty"`
	Pin              bool   `json:"pin,omitempty"`
	Alt              string `json:"alt,omitempty"`
	IncludeTimestamp bool   `json:"includeTimestamp,omitempty"`
}

// PostOptions is the batch portion of a mass-post payload.
type PostOptions struct {
	Posts        []PostItem `json:"posts"`
	DelayRange   *[2]int    `json:"delayRange,omitempty"` // seconds between posts
	ReverseOrder bool       `json:"reverseOrder,omitempty"`
}

// MassPostPayload drives one mass-post job.
type MassPostPayload struct {
	AccountRef
	PostOptions PostOptions `json:"postOptions"`
}

// Validate checks the payload at intake time.
func (p *MassPostPayload) Validate() error {
	if err := p.validate(); err != nil {
		return err
	}
	if len(p.PostOptions.Posts) == 0 {
		return errors.Wrap(errors.ErrBadRequest, "postOptions.posts cannot be empty")
	}
	for i, item := range p.PostOptions.Posts {
		if item.Text == "" && item.ImageURL == "" {
			return errors.Wrapf(errors.ErrBadRequest, "post %d has neither text nor image", i)
		}
	}
	return nil
}

// Messages accepts either a single string or a list in JSON.
type Messages []string

// UnmarshalJSON implements the string-or-list shape.
func (m *Messages) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*m = Messages{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(errors.ErrBadRequest, "messages must be a string or list of strings")
	}
	*m = Messages(many)
	return nil
}

// ChatPayload drives one chat-dispatch job.
type ChatPayload struct {
	AccountRef
	Messages   Messages `json:"messages"`
	Recipients []string `json:"recipients"`
}

// Validate checks the payload at intake time.
func (p *ChatPayload) Validate() error {
	if err := p.validate(); err != nil {
		return err
	}
	if len(p.Messages) == 0 {
		return errors.Wrap(errors.ErrBadRequest, "messages cannot be empty")
	}
	if len(p.Recipients) == 0 {
		return errors.Wrap(errors.ErrBadRequest, "recipients cannot be empty")
	}
	return nil
}
