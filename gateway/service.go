package gateway

import "context"

// Service is a capability-providing collaborator registered in the gateway.
// Method names and parameter schemas are service-defined; the gateway is
// payload-agnostic.
type Service interface {
	// ServiceID returns the stable identifier the service registers under.
	ServiceID() string

	// Capabilities lists the method names the service can execute.
	Capabilities() []string

	// Initialize prepares the service for use.
	Initialize(ctx context.Context) error

	// Execute runs one method with opaque parameters.
	Execute(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error)

	// HealthCheck reports whether the service is currently usable.
	HealthCheck(ctx context.Context) bool

	// Shutdown releases the service's resources.
	Shutdown(ctx context.Context) error
}

// ServiceDescriptor is the gateway's read-only view of a registered service.
type ServiceDescriptor struct {
	ServiceID    string   `json:"service_id"`
	Capabilities []string `json:"capabilities"`
	Healthy      bool     `json:"healthy"`
}
