// Package auth implements the colon-delimited credential file used by the
// demo harnesses (cmd/xsshpasswd, cmd/xsshd-stub): username:salt:hash
// records, hashed with bcrypt, read/written the way xspasswd's CLI and the
// teacher's AuthUserByPasswd did.
package auth

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"io/ioutil"
	"os"

	"github.com/jameskeane/bcrypt"
)

// ErrUserNotFound means the store has no record for the requested username.
var ErrUserNotFound = errors.New("auth: user not found")

type credential struct {
	salt string
	hash string
}

// Store is an in-memory view of a credential file, loaded once and
// written back explicitly via Save.
type Store struct {
	path    string
	records map[string]credential
	order   []string // preserves on-disk record order across Save
}

// LoadCredentialFile reads path, which may not yet exist (an empty Store
// is returned in that case so a fresh file can be created by Save).
func LoadCredentialFile(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]credential)}

	b, err := ioutil.ReadFile(path) // nolint: gosec
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(b))
	r.Comma = ':'
	r.Comment = '#'
	r.FieldsPerRecord = 3 // username:salt:hash
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		s.records[rec[0]] = credential{salt: rec[1], hash: rec[2]}
		s.order = append(s.order, rec[0])
	}
	return s, nil
}

// dummyHash is compared against on every lookup miss so that a
// nonexistent username takes the same amount of work as a real one,
// the way AuthUserByPasswd's "$nosuchuser$" sentinel record did.
const dummySalt = "$2a$12$l0coBlRDNEJeQVl6GdEPbU"
const dummyHash = "$2a$12$l0coBlRDNEJeQVl6GdEPbUC/xmuOANvqgmrMVum6S4i.EXPgnTXy6"

// VerifyCredential reports whether password matches the stored hash for
// username. A missing username always returns false, but still runs a
// bcrypt comparison against a dummy hash to avoid a timing oracle for
// username enumeration.
func (s *Store) VerifyCredential(username, password string) bool {
	cred, ok := s.records[username]
	if !ok {
		cred = credential{salt: dummySalt, hash: dummyHash}
	}
	computed, err := bcrypt.Hash(password, cred.salt)
	if err != nil {
		return false
	}
	return ok && computed == cred.hash
}

// HashCredential generates a fresh random salt and bcrypt hash for
// password, ready to be stored with Upsert.
func HashCredential(password string) (salt, hash string, err error) {
	salt, err = bcrypt.Salt(12)
	if err != nil {
		return "", "", err
	}
	hash, err = bcrypt.Hash(password, salt)
	if err != nil {
		return "", "", err
	}
	return salt, hash, nil
}

// Upsert sets or replaces username's stored password.
func (s *Store) Upsert(username, password string) error {
	salt, hash, err := HashCredential(password)
	if err != nil {
		return err
	}
	if _, exists := s.records[username]; !exists {
		s.order = append(s.order, username)
	}
	s.records[username] = credential{salt: salt, hash: hash}
	return nil
}

// Remove deletes username's record, if present.
func (s *Store) Remove(username string) error {
	if _, ok := s.records[username]; !ok {
		return ErrUserNotFound
	}
	delete(s.records, username)
	for i, u := range s.order {
		if u == username {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Save writes the store back to its original path via a temp-file-then-
// rename, matching xspasswd's CLI so a crash never leaves a half-written
// credential file.
func (s *Store) Save() error {
	out, err := ioutil.TempFile("", "xssh-passwd")
	if err != nil {
		return err
	}
	tmpName := out.Name()

	w := csv.NewWriter(out)
	w.Comma = ':'
	if err := w.Write([]string{"#username", "salt", "hash"}); err != nil {
		out.Close()
		os.Remove(tmpName)
		return err
	}
	for _, username := range s.order {
		cred := s.records[username]
		if err := w.Write([]string{username, cred.salt, cred.hash}); err != nil {
			out.Close()
			os.Remove(tmpName)
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		os.Remove(tmpName)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
