package engine

// Message represents a chat message. Images are raw encoded image bytes.
type Message struct {
	Role    string
	Content string
	Images  [][]byte
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
