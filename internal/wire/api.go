package wire

import "encoding/json"

// Shapes shared by the HTTP API and its client. Field tags are camelCase;
// Marshal and Unmarshal take care of the snake_case wire form.

// Custom request headers.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIfMatch        = "If-Match"
	HeaderRequestID      = "X-Request-ID"
)

// Error codes carried in ErrorBody.Error.
const (
	CodeBadRequest         = "bad_request"
	CodeValidation         = "validation_error"
	CodeInvalidCredentials = "invalid_credentials"
	CodeIdentifierInUse    = "identifier_in_use"
	CodeUnauthorized       = "unauthorized"
	CodeTokenExpired       = "token_expired"
	CodeRefreshExpired     = "refresh_token_expired"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeVersionConflict    = "version_conflict"
	CodeRateLimited        = "rate_limited"
	CodeDependencyPending  = "dependency_pending"
	CodeInternal           = "internal_error"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`

	// Set on version conflicts only.
	Current         json.RawMessage `json:"current,omitempty"`
	LastMutationKey string          `json:"lastMutationKey,omitempty"`
}

type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	AvatarColor string `json:"avatarColor,omitempty"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenResponse is returned by sign-up, sign-in and refresh. ExpiresIn is in
// seconds and may be zero, in which case the access token's exp claim applies.
type TokenResponse struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// MutationRequest is the body of entity create and update calls.
type MutationRequest struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type JoinRequest struct {
	InviteCode string `json:"inviteCode"`
}

type AttachmentRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
}

type AttachmentResponse struct {
	Key         string `json:"key"`
	UploadURL   string `json:"uploadUrl"`
	DownloadURL string `json:"downloadUrl"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// Realtime event types.
const (
	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"
)

// Event is pushed by the server over the realtime channel.
type Event struct {
	Type       string          `json:"type"`
	EntityType string          `json:"entityType"`
	Entity     json.RawMessage `json:"entity"`
	RoomID     string          `json:"roomId"`
}

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Frame is sent by the client over the realtime channel.
type Frame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}
