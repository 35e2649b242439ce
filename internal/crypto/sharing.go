package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/vultisig/bonserver/internal/types"
)

const (
	NumShares = 3
	Threshold = 2

	ShareValueSize = 32
	ShareTagSize   = 8
	// ShareSize is the serialized length: index || tag || value.
	ShareSize = 1 + ShareTagSize + ShareValueSize
)

// Share is one point (Index, Value) on a degree-1 polynomial over the
// secp256k1 group order whose constant term is the voucher's private scalar.
// Tag is derived from the public key and is identical across one split.
type Share struct {
	Index uint8
	Tag   [ShareTagSize]byte
	Value [ShareValueSize]byte
}

func (s *Share) Bytes() []byte {
	out := make([]byte, ShareSize)
	out[0] = s.Index
	copy(out[1:1+ShareTagSize], s.Tag[:])
	copy(out[1+ShareTagSize:], s.Value[:])
	return out
}

func (s *Share) Zero() {
	clear(s.Value[:])
}

func ParseShare(b []byte) (*Share, error) {
	if len(b) != ShareSize {
		return nil, fmt.Errorf("share must be %d bytes, got %d: %w", ShareSize, len(b), types.ErrShareMismatch)
	}
	if b[0] < 1 || b[0] > NumShares {
		return nil, fmt.Errorf("share index %d out of range: %w", b[0], types.ErrShareMismatch)
	}
	s := &Share{Index: b[0]}
	copy(s.Tag[:], b[1:1+ShareTagSize])
	copy(s.Value[:], b[1+ShareTagSize:])
	return s, nil
}

// Splitter implements a (2,3)-threshold Shamir scheme.
type Splitter struct {
	Entropy io.Reader
}

func NewSplitter() *Splitter {
	return &Splitter{Entropy: rand.Reader}
}

// Split returns three serialized shares of the 32-byte private scalar. Any
// two of them reconstruct it; a single share is uniformly distributed.
func (sp *Splitter) Split(secret []byte) ([NumShares][]byte, error) {
	var out [NumShares][]byte
	if len(secret) != 32 {
		return out, fmt.Errorf("secret must be 32 bytes, got %d", len(secret))
	}
	var s secp256k1.ModNScalar
	defer s.Zero()
	if overflow := s.SetByteSlice(secret); overflow || s.IsZero() {
		return out, fmt.Errorf("secret is not a valid scalar")
	}

	a, err := sp.randomScalar()
	if err != nil {
		return out, err
	}
	defer a.Zero()

	tag := shareTag(secret)
	for i := 0; i < NumShares; i++ {
		var x, y secp256k1.ModNScalar
		x.SetInt(uint32(i + 1))
		y.Mul2(a, &x).Add(&s)
		share := Share{Index: uint8(i + 1), Tag: tag}
		y.PutBytes(&share.Value)
		y.Zero()
		out[i] = share.Bytes()
		share.Zero()
	}
	return out, nil
}

// Combine reconstructs the private scalar from two or three serialized
// shares. With three shares the third must lie on the same line.
func (sp *Splitter) Combine(shares ...[]byte) ([]byte, error) {
	parsed := make(map[uint8]*Share, NumShares)
	defer func() {
		for _, s := range parsed {
			s.Zero()
		}
	}()
	var order []uint8
	for _, raw := range shares {
		if raw == nil {
			continue
		}
		s, err := ParseShare(raw)
		if err != nil {
			return nil, err
		}
		if existing, ok := parsed[s.Index]; ok {
			if existing.Value != s.Value || existing.Tag != s.Tag {
				s.Zero()
				return nil, fmt.Errorf("conflicting shares for index %d: %w", s.Index, types.ErrShareMismatch)
			}
			s.Zero()
			continue
		}
		parsed[s.Index] = s
		order = append(order, s.Index)
	}
	if len(parsed) < Threshold {
		return nil, types.ErrInsufficientShares
	}

	first := parsed[order[0]]
	for _, idx := range order[1:] {
		if parsed[idx].Tag != first.Tag {
			return nil, fmt.Errorf("tags differ: %w", types.ErrShareMismatch)
		}
	}

	p1, p2 := parsed[order[0]], parsed[order[1]]
	var x1, x2, y1, y2 secp256k1.ModNScalar
	x1.SetInt(uint32(p1.Index))
	x2.SetInt(uint32(p2.Index))
	y1.SetBytes(&p1.Value)
	y2.SetBytes(&p2.Value)
	defer y1.Zero()
	defer y2.Zero()

	// slope a = (y2 - y1) / (x2 - x1), secret s = y1 - a*x1
	var dx, dy, a, s secp256k1.ModNScalar
	dx.NegateVal(&x1).Add(&x2)
	dy.NegateVal(&y1).Add(&y2)
	dx.InverseNonConst()
	a.Mul2(&dy, &dx)
	defer a.Zero()
	defer dy.Zero()
	var ax1 secp256k1.ModNScalar
	ax1.Mul2(&a, &x1).Negate()
	s.Add2(&y1, &ax1)
	ax1.Zero()
	defer s.Zero()

	if len(order) > 2 {
		p3 := parsed[order[2]]
		var x3, y3, expected secp256k1.ModNScalar
		x3.SetInt(uint32(p3.Index))
		y3.SetBytes(&p3.Value)
		expected.Mul2(&a, &x3).Add(&s)
		ok := expected.Equals(&y3)
		y3.Zero()
		expected.Zero()
		if !ok {
			return nil, fmt.Errorf("third share is inconsistent: %w", types.ErrShareMismatch)
		}
	}

	if s.IsZero() {
		return nil, fmt.Errorf("reconstructed zero scalar: %w", types.ErrShareMismatch)
	}
	var secret [32]byte
	s.PutBytes(&secret)
	if shareTag(secret[:]) != first.Tag {
		clear(secret[:])
		return nil, fmt.Errorf("reconstructed key does not match split tag: %w", types.ErrShareMismatch)
	}
	out := make([]byte, 32)
	copy(out, secret[:])
	clear(secret[:])
	return out, nil
}

func (sp *Splitter) randomScalar() (*secp256k1.ModNScalar, error) {
	entropy := sp.Entropy
	if entropy == nil {
		entropy = rand.Reader
	}
	buf := make([]byte, 32)
	defer Zero(buf)
	for i := 0; i < maxKeyDraws; i++ {
		if _, err := io.ReadFull(entropy, buf); err != nil {
			return nil, fmt.Errorf("fail to read entropy: %w", err)
		}
		var a secp256k1.ModNScalar
		if overflow := a.SetByteSlice(buf); overflow || a.IsZero() {
			continue
		}
		return &a, nil
	}
	return nil, fmt.Errorf("fail to draw a valid coefficient after %d attempts", maxKeyDraws)
}

// shareTag binds shares to the public key of the secret they encode, so a
// mixed pair is detected without revealing anything about the scalar.
func shareTag(secret []byte) [ShareTagSize]byte {
	priv := secp256k1.PrivKeyFromBytes(secret)
	pub := priv.PubKey().SerializeCompressed()
	priv.Zero()
	sum := sha256.Sum256(pub)
	var tag [ShareTagSize]byte
	copy(tag[:], sum[:ShareTagSize])
	return tag
}
