package models

// Receipt identifies a backend-level settlement (a transaction hash or channel
// settlement id). It is stored verbatim on the task that it settled.
type Receipt struct {
	Ref   string `json:"ref"`
	Block int64  `json:"block"`
	URL   string `json:"url,omitempty"`
}
