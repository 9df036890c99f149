package keystore

import (
	"encoding/json"
	"fmt"

	"keywarden/internal/model"
)

// State file layout: {"api_keys": {provider: [key, ...]}, "settings": {...}}.
// Sibling fields the core does not understand are carried through a
// save unchanged.
const (
	fieldKeys     = "api_keys"
	fieldSettings = "settings"
)

type document struct {
	pools    map[model.Provider][]*model.KeyRecord
	settings model.Settings

	// rawSettings holds the original settings bytes. The core never
	// mutates settings, so re-emitting them verbatim keeps the
	// round-trip lossless even for fields it does not know about.
	rawSettings json.RawMessage
	extra       map[string]json.RawMessage
}

func emptyDocument() *document {
	return &document{
		pools:    make(map[model.Provider][]*model.KeyRecord),
		settings: model.DefaultSettings(),
		extra:    make(map[string]json.RawMessage),
	}
}

func parseDocument(data []byte) (*document, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parse state document: %w", err)
	}

	doc := emptyDocument()
	for name, raw := range fields {
		switch name {
		case fieldKeys:
			if err := json.Unmarshal(raw, &doc.pools); err != nil {
				return nil, fmt.Errorf("parse %s: %w", fieldKeys, err)
			}
		case fieldSettings:
			// Unmarshal over the defaults so absent fields keep them.
			if err := json.Unmarshal(raw, &doc.settings); err != nil {
				return nil, fmt.Errorf("parse %s: %w", fieldSettings, err)
			}
			// The file is hand-edited; negative tuning values must not
			// leak into the dispatch loop.
			if doc.settings.RetryAttempts < 0 {
				doc.settings.RetryAttempts = 0
			}
			if doc.settings.RetryDelaySeconds < 0 {
				doc.settings.RetryDelaySeconds = 0
			}
			doc.rawSettings = raw
		default:
			doc.extra[name] = raw
		}
	}

	for provider, keys := range doc.pools {
		for _, k := range keys {
			if k.Secret == "" {
				return nil, fmt.Errorf("provider %s has a key with an empty secret", provider)
			}
			if k.Provider == "" {
				k.Provider = provider
			}
		}
	}
	return doc, nil
}

func (d *document) marshal() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(d.extra)+2)
	for name, raw := range d.extra {
		fields[name] = raw
	}

	keys, err := json.Marshal(d.pools)
	if err != nil {
		return nil, err
	}
	fields[fieldKeys] = keys

	settings := d.rawSettings
	if settings == nil {
		if settings, err = json.Marshal(d.settings); err != nil {
			return nil, err
		}
	}
	fields[fieldSettings] = settings

	// Indented so operators can edit the file by hand.
	return json.MarshalIndent(fields, "", "  ")
}
