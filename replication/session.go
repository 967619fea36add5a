/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package replication

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const maxSessionTokenLen = 50

// SessionToken is the opaque "<peerId>.<sequenceId>" handle a client gets
// back from a local write, letting it later prove to any peer "wait until
// you have applied at least this".
type SessionToken string

// NewSessionToken builds the token for a write produced as (peerID, seq).
func NewSessionToken(peerID, seq uint64) SessionToken {
	return SessionToken(strconv.FormatUint(peerID, 10) + "." + strconv.FormatUint(seq, 10))
}

// Parse validates and decomposes a token: reject tokens over 50
// bytes or that aren't exactly two positive integers joined by a dot.
func (t SessionToken) Parse() (peerID, seq uint64, err error) {
	s := string(t)
	if len(s) == 0 || len(s) > maxSessionTokenLen {
		return 0, 0, errors.Errorf("session: token length %d out of bounds", len(s))
	}
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("session: malformed token %q", s)
	}
	peerID, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "session: malformed peer id in token %q", s)
	}
	seq, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "session: malformed sequence id in token %q", s)
	}
	if peerID == 0 || seq == 0 {
		return 0, 0, errors.Errorf("session: non-positive id in token %q", s)
	}
	return peerID, seq, nil
}

// SatisfiedBy reports whether stat's guaranteed-contiguous prefix already
// covers the write this token names.
func (t SessionToken) SatisfiedBy(stat *PeerStat) (bool, error) {
	_, seq, err := t.Parse()
	if err != nil {
		return false, err
	}
	return stat.GuaranteedContiguousSeq >= seq, nil
}

// WaitReadYourWrites polls isSatisfied with exponential backoff until it
// returns true or the context is done, returning ErrSessionTimeout on
// expiry ("read-your-writes").
func WaitReadYourWrites(ctx context.Context, isSatisfied func() (bool, error)) error {
	backoff := 5 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		ok, err := isSatisfied()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ErrSessionTimeout, ctx.Err().Error())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
