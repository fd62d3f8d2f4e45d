package remote

// WebSocket message types.

// InitMessage is sent as the first message after WebSocket connect.
type InitMessage struct {
	Op      string `json:"op"`
	Account string `json:"account"`
	KeyHash string `json:"keyhash"`
	Device  string `json:"device"`
	Session string `json:"session"`
	Client  string `json:"client"`
}

// InitResponse is the server reply to an init message.
type InitResponse struct {
	Res            string `json:"res"`
	Msg            string `json:"msg"`
	MaxRecordBytes int    `json:"maxRecordBytes"`
}

// FetchMessage asks the server to stream every record in a collection
// modified after the given server timestamp.
type FetchMessage struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	Since      int64  `json:"since"`
}

// UploadMessage carries a batch of records to the server.
type UploadMessage struct {
	Op         string         `json:"op"`
	Collection string         `json:"collection"`
	Records    []UploadRecord `json:"records"`
}

// UploadRecord is one outgoing record inside an UploadMessage.
type UploadRecord struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

// Reading-list API types.

// ReadingListItem is the JSON body for POST /articles and the shape of
// article objects in responses.
type ReadingListItem struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	AddedBy  string `json:"added_by,omitempty"`
	Added    int64  `json:"added,omitempty"`
	Status   string `json:"status,omitempty"`
	Archived bool   `json:"archived,omitempty"`
	Favorite bool   `json:"favorite,omitempty"`
	Modified int64  `json:"modified,omitempty"`
}

// StatusPatch is the JSON body for PATCH /articles/{id}.
type StatusPatch struct {
	Status   string `json:"status,omitempty"`
	Archived *bool  `json:"archived,omitempty"`
	Favorite *bool  `json:"favorite,omitempty"`
}

// apiError represents an error response body from the reading-list service.
type apiError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}
