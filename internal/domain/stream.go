package domain

// StreamSettings are passed through to the encoder; zero values fall back to
// configured defaults.
type StreamSettings struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	FPS     int `json:"fps"`
	Bitrate int `json:"bitrate"`
}

// StreamRequest is the stream:start payload. StreamKey is a secret.
type StreamRequest struct {
	RTMPURL   string         `json:"rtmpUrl"`
	StreamKey string         `json:"streamKey"`
	Settings  StreamSettings `json:"settings"`
}
