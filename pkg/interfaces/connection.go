package interfaces

//go:generate go run go.uber.org/mock/mockgen -destination=../../internal/mocks/mock_emitter.go -package=mocks pigeon/pkg/interfaces Emitter

// Emitter is the transport primitive of one live client connection
// ARCHITECTURAL DISCOVERY: Emit carries no ordering guarantee; callers that
// need ordering go through the session's outbound queue
type Emitter interface {
	// Emit writes one event frame to the client (thread-safe)
	Emit(event string, payload any) error

	// Close closes the connection and cleans up resources
	Close() error
}
