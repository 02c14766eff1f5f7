package eventizer

import (
	"errors"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// Event types produced by the git backend.
const (
	gitEventCommit       = "org.grimoirelab.events.git.commit"
	gitEventMerge        = "org.grimoirelab.events.git.merge"
	gitEventFileAdded    = "org.grimoirelab.events.git.file.added"
	gitEventFileModified = "org.grimoirelab.events.git.file.modified"
	gitEventFileDeleted  = "org.grimoirelab.events.git.file.deleted"
	gitEventFileReplaced = "org.grimoirelab.events.git.file.replaced"
	gitEventAuthoredBy   = "org.grimoirelab.events.git.commit.authored_by"
	gitEventCommittedBy  = "org.grimoirelab.events.git.commit.committed_by"
)

var gitFileEventTypes = map[byte]string{
	'A': gitEventFileAdded,
	'M': gitEventFileModified,
	'D': gitEventFileDeleted,
	'R': gitEventFileReplaced,
}

// Eventize converts one commit into its events: the commit or merge event
// first, one event per file action, then the authorship events. Event ids
// are fingerprints of the fields that identify each fact, so republishing
// a commit reproduces identical ids.
func (b *GitBackend) Eventize(item *Item) ([]*model.Event, error) {
	c := item.commit
	if c == nil {
		return nil, errors.New("item does not carry a git commit")
	}

	eventTime := float64(item.UpdatedOn.Unix())
	mainType := gitEventCommit
	if len(c.Parents) > 1 {
		mainType = gitEventMerge
	}

	events := []*model.Event{{
		ID:     item.UUID,
		Type:   mainType,
		Source: item.Origin,
		Time:   eventTime,
		Data:   item.Data,
	}}

	for _, f := range c.Files {
		events = append(events, fileEvents(item, c, f)...)
	}
	if c.Author != "" {
		events = append(events, authorshipEvent(item, c, "authored_by", gitEventAuthoredBy, c.Author, c.AuthorDate))
	}
	if c.Committer != "" {
		events = append(events, authorshipEvent(item, c, "committed_by", gitEventCommittedBy, c.Committer, c.CommitDate))
	}
	return events, nil
}

// fileEvents expands one action row into events. Rows from merge diffs
// carry one action character per parent and yield one event each; regular
// rows yield a single event whose id also covers the rename target, when
// there is one. Actions without a mapped type produce nothing.
func fileEvents(item *Item, c *gitCommit, f gitFile) []*model.Event {
	if f.Action == "" {
		return nil
	}

	if f.Combined {
		var events []*model.Event
		for i := 0; i < len(f.Action); i++ {
			action := f.Action[i : i+1]
			eventType, ok := gitFileEventTypes[f.Action[i]]
			if !ok {
				continue
			}
			events = append(events, &model.Event{
				ID:     fingerprint(item.UUID, f.File, action),
				Type:   eventType,
				Source: item.Origin,
				Time:   float64(item.UpdatedOn.Unix()),
				Data:   fileEventData(c, f, action),
			})
		}
		return events
	}

	eventType, ok := gitFileEventTypes[f.Action[0]]
	if !ok {
		return nil
	}
	parts := []string{item.UUID, f.File, f.Action}
	if f.NewFile != "" {
		parts = append(parts, f.NewFile)
	}
	return []*model.Event{{
		ID:     fingerprint(parts...),
		Type:   eventType,
		Source: item.Origin,
		Time:   float64(item.UpdatedOn.Unix()),
		Data:   fileEventData(c, f, f.Action),
	}}
}

func fileEventData(c *gitCommit, f gitFile, action string) map[string]any {
	data := map[string]any{
		"commit":  c.Hash,
		"file":    f.File,
		"action":  action,
		"modes":   f.Modes,
		"indexes": f.Indexes,
	}
	if f.NewFile != "" {
		data["newfile"] = f.NewFile
	}
	if f.Added != "" {
		data["added"] = f.Added
	}
	if f.Removed != "" {
		data["removed"] = f.Removed
	}
	return data
}

func authorshipEvent(item *Item, c *gitCommit, role, eventType, signature, date string) *model.Event {
	name, email := parseSignature(signature)
	identity := identityFingerprint("git", email, name, "")

	return &model.Event{
		ID:     fingerprint(item.UUID, role, identity),
		Type:   eventType,
		Source: item.Origin,
		Time:   float64(item.UpdatedOn.Unix()),
		Data: map[string]any{
			"commit":    c.Hash,
			"identity":  identity,
			"name":      name,
			"email":     email,
			"signature": signature,
			"date":      date,
		},
	}
}
