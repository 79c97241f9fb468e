package envelope

// DefaultMaxFrame is the default maximum encoded envelope size (3.5 MB).
const DefaultMaxFrame int = 3_670_016

// DefaultMaxChunk is the default maximum stream item payload (256 KB).
const DefaultMaxChunk int = 262_144

// DefaultMaxReorderBuffer is the number of out-of-order stream items a reader holds.
const DefaultMaxReorderBuffer int = 64

// MaxFrameHardLimit caps MaxFrame regardless of negotiation (16 MB).
const MaxFrameHardLimit int = 16_777_216

// Limits are announced by both ends in HELLO; the lower value of each wins.
type Limits struct {
	MaxFrame         int `cbor:"1,keyasint" yaml:"max_frame"`
	MaxChunk         int `cbor:"2,keyasint" yaml:"max_chunk"`
	MaxReorderBuffer int `cbor:"3,keyasint" yaml:"max_reorder_buffer"`
}

// DefaultLimits returns the default protocol limits
func DefaultLimits() Limits {
	return Limits{
		MaxFrame:         DefaultMaxFrame,
		MaxChunk:         DefaultMaxChunk,
		MaxReorderBuffer: DefaultMaxReorderBuffer,
	}
}

// Normalize replaces unset values with defaults and clamps MaxFrame to the hard limit.
func (l Limits) Normalize() Limits {
	d := DefaultLimits()
	if l.MaxFrame <= 0 {
		l.MaxFrame = d.MaxFrame
	}
	if l.MaxFrame > MaxFrameHardLimit {
		l.MaxFrame = MaxFrameHardLimit
	}
	if l.MaxChunk <= 0 {
		l.MaxChunk = d.MaxChunk
	}
	if l.MaxReorderBuffer <= 0 {
		l.MaxReorderBuffer = d.MaxReorderBuffer
	}
	return l
}

// NegotiateLimits returns the minimum of two limit sets
func NegotiateLimits(a, b Limits) Limits {
	a, b = a.Normalize(), b.Normalize()
	return Limits{
		MaxFrame:         min(a.MaxFrame, b.MaxFrame),
		MaxChunk:         min(a.MaxChunk, b.MaxChunk),
		MaxReorderBuffer: min(a.MaxReorderBuffer, b.MaxReorderBuffer),
	}
}
