package credential

import (
	"context"
	"errors"
)

// Store errors.
var (
	// ErrNotFound indicates the credential does not exist.
	ErrNotFound = errors.New("credential not found")

	// ErrDuplicate indicates a credential with the same secret already
	// exists in the pool.
	ErrDuplicate = errors.New("credential already exists")
)

// Mutator is applied to a credential under the store's write lock. The
// store persists the mutated credential when the mutator returns nil.
type Mutator func(*Credential) error

// Store is the credential inventory. Implementations must be safe for
// concurrent use; mutations go through Update so read-modify-write
// cycles cannot interleave.
type Store interface {
	// Add inserts credentials, skipping any whose secret is already
	// present. It returns the credentials actually inserted.
	Add(ctx context.Context, creds ...*Credential) ([]*Credential, error)

	// Get returns the credential with the given id.
	Get(ctx context.Context, id string) (*Credential, error)

	// List returns all credentials.
	List(ctx context.Context) ([]*Credential, error)

	// ListByStatus returns all credentials in the given status.
	ListByStatus(ctx context.Context, status Status) ([]*Credential, error)

	// Update applies mutate to the credential with the given id and
	// returns the updated copy.
	Update(ctx context.Context, id string, mutate Mutator) (*Credential, error)

	// Delete removes the credentials with the given ids, returning the
	// ids actually removed.
	Delete(ctx context.Context, ids ...string) ([]string, error)

	// Stats returns a census of the pool by status.
	Stats(ctx context.Context) (Stats, error)
}
