package orchestrator

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/types"
)

// applyProjectMetadata folds a project metadata event into the shared
// project context. Only the project owner may update it when the owner is
// known.
func (o *Orchestrator) applyProjectMetadata(ev *types.Event) {
	if owner := o.project.Owner(); owner != "" && ev.PubKey != owner {
		o.logger.Debug("ignoring project metadata from non-owner", zap.String("pubkey", ev.PubKey))
		return
	}
	values := projectMetadata(ev)
	if len(values) == 0 {
		return
	}
	o.project.ApplyMetadata(values)
	o.logger.Info("project metadata updated",
		zap.String("project", o.project.Name()),
		zap.Int("fields", len(values)))
}

// projectMetadata collects single-valued tags and the content. JSON object
// content contributes its string fields; any other content becomes the
// description.
func projectMetadata(ev *types.Event) map[string]string {
	values := make(map[string]string)
	for _, t := range ev.Tags {
		switch t.Name() {
		case "", types.TagEvent, types.TagPubKey, types.TagRoot:
			continue
		}
		if v := t.Value(); v != "" {
			values[t.Name()] = v
		}
	}

	content := strings.TrimSpace(ev.Content)
	if content == "" {
		return values
	}
	var fields map[string]any
	if strings.HasPrefix(content, "{") && json.Unmarshal([]byte(content), &fields) == nil {
		for k, v := range fields {
			if s, ok := v.(string); ok && s != "" {
				values[k] = s
			}
		}
		return values
	}
	values["description"] = content
	return values
}
