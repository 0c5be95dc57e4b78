// Package scope maps an accounting grant token to the organization and
// location every write of a run is scoped to.
package scope

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Scope identifies the tenant a run writes on behalf of.
type Scope struct {
	OrganizationID string `firestore:"organizationId"`
	LocationID     string `firestore:"locationId"`
}

// Complete reports whether both identifiers are present.
func (s Scope) Complete() bool {
	return strings.TrimSpace(s.OrganizationID) != "" && strings.TrimSpace(s.LocationID) != ""
}

// ResolutionError means the grant token could not be mapped to a complete scope.
type ResolutionError struct {
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve scope: %s: %v", e.Reason, e.Err)
	}
	return "resolve scope: " + e.Reason
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver looks up the scope bound to a grant token.
type Resolver interface {
	Resolve(ctx context.Context, grantToken string) (Scope, error)
}

// FirestoreResolver reads grant bindings from a Firestore collection whose
// documents carry grantToken, organizationId and locationId fields.
type FirestoreResolver struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreResolver returns a resolver over the given collection.
func NewFirestoreResolver(client *firestore.Client, collection string) *FirestoreResolver {
	return &FirestoreResolver{client: client, collection: collection}
}

func (r *FirestoreResolver) Resolve(ctx context.Context, grantToken string) (Scope, error) {
	if strings.TrimSpace(grantToken) == "" {
		return Scope{}, &ResolutionError{Reason: "grant token is empty"}
	}
	it := r.client.Collection(r.collection).Where("grantToken", "==", grantToken).Limit(1).Documents(ctx)
	defer it.Stop()

	snap, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return Scope{}, &ResolutionError{Reason: "no binding for grant token"}
	}
	if err != nil {
		return Scope{}, &ResolutionError{Reason: "lookup failed", Err: err}
	}

	var s Scope
	if err := snap.DataTo(&s); err != nil {
		return Scope{}, &ResolutionError{Reason: "decode binding", Err: err}
	}
	if !s.Complete() {
		return Scope{}, &ResolutionError{Reason: fmt.Sprintf("binding %s is missing organizationId or locationId", snap.Ref.ID)}
	}
	return s, nil
}

// StaticResolver resolves from a fixed map.
type StaticResolver map[string]Scope

func (r StaticResolver) Resolve(_ context.Context, grantToken string) (Scope, error) {
	s, ok := r[grantToken]
	if !ok {
		return Scope{}, &ResolutionError{Reason: "no binding for grant token"}
	}
	if !s.Complete() {
		return Scope{}, &ResolutionError{Reason: "binding is missing organizationId or locationId"}
	}
	return s, nil
}
