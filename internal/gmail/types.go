package gmail

// Message is a parsed mail message. Body is filled for the full format only.
type Message struct {
	ID              string   `json:"id"`
	ThreadID        string   `json:"thread_id"`
	From            string   `json:"from,omitempty"`
	To              string   `json:"to,omitempty"`
	Cc              string   `json:"cc,omitempty"`
	Subject         string   `json:"subject,omitempty"`
	Date            string   `json:"date,omitempty"`
	Snippet         string   `json:"snippet,omitempty"`
	Body            string   `json:"body,omitempty"`
	MessageIDHeader string   `json:"message_id_header,omitempty"`
	References      string   `json:"references,omitempty"`
	LabelIDs        []string `json:"label_ids,omitempty"`
}

type SearchRequest struct {
	Query      string
	MaxResults int
	PageToken  string
	// DetailLimit caps how many hits get a metadata fetch; the rest carry
	// only their ids. Zero means DefaultDetailLimit.
	DetailLimit int
}

type SearchResult struct {
	Messages       []Message `json:"messages"`
	NextPageToken  string    `json:"next_page_token,omitempty"`
	EstimatedTotal int       `json:"estimated_total"`
	// Unfetched counts hits whose metadata fetch failed.
	Unfetched int `json:"unfetched,omitempty"`
}

type Thread struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

// Outgoing is a message to send or store as a draft.
type Outgoing struct {
	To               []string
	Cc               []string
	Bcc              []string
	Subject          string
	Body             string
	HTML             bool
	ReplyToMessageID string
}

type SentMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"thread_id"`
	LabelIDs []string `json:"label_ids,omitempty"`
}

type Draft struct {
	ID      string      `json:"id"`
	Message SentMessage `json:"message"`
}

type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Format selects how much of a message Get returns.
type Format string

const (
	FormatFull     Format = "full"
	FormatMetadata Format = "metadata"
	FormatMinimal  Format = "minimal"
)
