// Package fingerprint derives the lock key of a job from its worker name and
// arguments. Keys are stable across processes and runs: arguments are
// canonicalised through JSON with sorted object keys before hashing.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
)

// DefaultPrefix is prepended to every key produced by the default Generator.
const DefaultPrefix = "uniq:"

// Generator computes lock keys with a fixed namespace prefix.
type Generator struct {
	Prefix string
}

var defaultGenerator = Generator{Prefix: DefaultPrefix}

// Default returns the Generator used when none is configured.
func Default() Generator { return defaultGenerator }

// Key returns the lock key for worker and args using the default prefix.
func Key(worker string, args []any) string {
	return defaultGenerator.Key(worker, args)
}

// Key returns the lock key for worker and args.
func (g Generator) Key(worker string, args []any) string {
	canon, err := Canonical(args)
	if err != nil {
		// Specs are validated on construction; this path only guards
		// direct callers passing unvalidated values.
		canon = []byte(fmt.Sprintf("%#v", args))
	}
	return g.Prefix + digest(worker, canon)
}

// Canonical returns the canonical JSON encoding of args. Object keys are
// sorted and numbers keep their serialised form, so two argument lists that
// serialise to the same JSON values produce identical bytes.
func Canonical(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", uniqerrors.ErrInvalidArguments, err)
	}
	return Normalize(raw)
}

// Normalize rewrites an encoded JSON array into its canonical form.
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic []any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", uniqerrors.ErrInvalidArguments, err)
	}
	if generic == nil {
		generic = []any{}
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", uniqerrors.ErrInvalidArguments, err)
	}
	return out, nil
}

// KeyFromCanonical returns the key for arguments that are already in
// canonical form, as stored on a job record.
func (g Generator) KeyFromCanonical(worker string, canon []byte) string {
	return g.Prefix + digest(worker, canon)
}

func digest(worker string, canon []byte) string {
	payload, _ := json.Marshal(struct {
		Worker string          `json:"worker"`
		Args   json.RawMessage `json:"args"`
	}{Worker: worker, Args: canon})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
