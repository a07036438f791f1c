package domain

// MediaState holds the media flags a participant advertises to the room.
// Screen share and camera video occupy the same outgoing video slot, but the
// flags are kept independent so receivers can render either indicator.
type MediaState struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}
