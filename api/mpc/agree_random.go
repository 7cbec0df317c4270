package mpc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const nonceSize = 32

// AgreeRandomRequest represents the input parameters for agree random protocol
type AgreeRandomRequest struct {
	BitLen int // Number of bits for the random value
}

// AgreeRandomResponse represents the output of agree random protocol
type AgreeRandomResponse struct {
	RandomValue []byte // The agreed-upon random value
}

// AgreeRandom executes a commit-then-reveal coin toss among all parties of
// job. Every party contributes a random share; the output is the XOR of all
// shares, so it is uniform as long as one party is honest. All parties obtain
// the same value of BitLen bits, big-endian, with the unused high bits of the
// first byte cleared.
func AgreeRandom(ctx context.Context, job Job, req *AgreeRandomRequest) (*AgreeRandomResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	if req.BitLen <= 0 {
		return nil, fmt.Errorf("bit length must be positive, got %d", req.BitLen)
	}
	nBytes := (req.BitLen + 7) / 8

	opening := make([]byte, nonceSize+nBytes)
	if _, err := rand.Read(opening); err != nil {
		return nil, fmt.Errorf("sampling share: %w", err)
	}
	self := job.PartyIndex()

	commitments, err := broadcast(ctx, job, commit(self, opening))
	if err != nil {
		return nil, fmt.Errorf("agree random commit round: %w", err)
	}
	openings, err := broadcast(ctx, job, opening)
	if err != nil {
		return nil, fmt.Errorf("agree random reveal round: %w", err)
	}

	value := make([]byte, nBytes)
	for i, o := range openings {
		if len(o) != len(opening) {
			return nil, fmt.Errorf("party %d revealed %d bytes, want %d", i, len(o), len(opening))
		}
		if subtle.ConstantTimeCompare(commit(i, o), commitments[i]) != 1 {
			return nil, fmt.Errorf("party %d opened a different value than committed", i)
		}
		subtle.XORBytes(value, value, o[nonceSize:])
	}
	if extra := nBytes*8 - req.BitLen; extra > 0 {
		value[0] &= 0xff >> extra
	}

	return &AgreeRandomResponse{
		RandomValue: value,
	}, nil
}

func commit(party int, opening []byte) []byte {
	h := sha3.New256()
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(party))
	h.Write(idx[:])
	h.Write(opening)
	return h.Sum(nil)
}
