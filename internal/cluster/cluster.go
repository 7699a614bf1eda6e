// Package cluster provides a uniform capability contract over the two
// supported cluster back-ends (Kubernetes and Docker), so the service
// manager never branches on backend type.
package cluster

import (
	"context"
	"fmt"

	"github.com/edgeflow/controller/internal/topology"
)

// ErrorKind classifies a failure from a Cluster operation. The service
// manager uses it to decide whether a retry is worthwhile.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransient
	KindNotFound
	KindPermissionDenied
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindUnavailable:
		return "unavailable"
	default:
		return "none"
	}
}

// Error wraps an underlying error with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cluster: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the service manager should retry an
// operation that failed with this error.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

func notFound(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindNotFound, Err: err}
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUnavailable, Err: err}
}

// ManifestRef is a deployment manifest, identified by the filename the
// service manager's ManifestStore produced plus its raw bytes.
type ManifestRef struct {
	Label    string
	Filename string
	Body     []byte
}

// Cluster is the capability contract every back-end adapter implements.
// label filters, where present, match the "edge.service" annotation the
// spec assigns at deploy time; an empty label lists everything.
type Cluster interface {
	// ID returns the opaque edge identifier the adapter was constructed
	// with. Satisfying topology.ClusterHandle lets an Edge hold a Cluster
	// through that narrow interface without topology importing this
	// package.
	ID() string

	// Connect establishes the underlying client/watch machinery. Must be
	// called before any other method.
	Connect(ctx context.Context) error

	// Deploy applies ref and returns the resulting instance. Deploy does
	// not wait for readiness; callers poll separately.
	Deploy(ctx context.Context, ref ManifestRef) (*topology.ServiceInstance, error)

	// Scale sets the instance's replica count. Idempotent: scaling a
	// ready instance to 1, or a stopped instance to 0, is a no-op.
	Scale(ctx context.Context, inst *topology.ServiceInstance, replicas int) error

	// Services lists known service objects, optionally filtered by
	// label.
	Services(ctx context.Context, label string) ([]topology.Service, error)

	// Deployments lists deployment/replica status, optionally filtered
	// by label.
	Deployments(ctx context.Context, label string) ([]topology.Deployment, error)

	// Pods lists backing pod/container addresses, optionally filtered
	// by label.
	Pods(ctx context.Context, label string) ([]string, error)

	// Close releases watches and client connections.
	Close(ctx context.Context) error
}

// LabelKey is the annotation/label key every adapter stamps on the
// objects it creates, so initServices can recognize what it manages.
const LabelKey = "edge.service"

// DockerPortLabel is the Docker-specific label recording the published
// container port, since Docker has no structured service object to read
// it back from.
const DockerPortLabel = "edge.port"
