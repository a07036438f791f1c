package relay

import (
	"encoding/json"

	"github.com/meshrtc/meshconf/internal/domain"
)

// ValidateMediaState checks a media-state payload before fanout. All three
// flags must be present and JSON booleans; anything else is dropped without
// broadcasting. Receivers use the broadcast only to update indicators, track
// presence stays authoritative at the transport layer.
func ValidateMediaState(raw json.RawMessage) (domain.MediaState, error) {
	if len(raw) == 0 {
		return domain.MediaState{}, domain.ErrMalformedPayload
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.MediaState{}, domain.ErrMalformedPayload
	}

	var state domain.MediaState
	for _, flag := range []struct {
		key string
		dst *bool
	}{
		{"audio", &state.Audio},
		{"video", &state.Video},
		{"screen", &state.Screen},
	} {
		value, ok := fields[flag.key]
		if !ok {
			return domain.MediaState{}, domain.ErrMalformedPayload
		}
		if err := json.Unmarshal(value, flag.dst); err != nil {
			return domain.MediaState{}, domain.ErrMalformedPayload
		}
	}

	return state, nil
}
