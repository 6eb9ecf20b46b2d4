// Package palm holds the value types shared by the normalizer, matcher and
// pipelines.
package palm

import (
	"fmt"
	"strconv"
)

// IdentityID identifies an enrolled subject.
type IdentityID int64

func (id IdentityID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// RawImage is a decoded image as row-major 8-bit samples.
type RawImage struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewGrayImage wraps a single-channel buffer. The buffer is not copied.
func NewGrayImage(width, height int, pix []uint8) RawImage {
	return RawImage{Width: width, Height: height, Channels: 1, Pix: pix}
}

// Tensor is a channel-major [Channels, Height, Width] float32 array.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// Plane returns the values of channel c. The slice aliases Data.
func (t Tensor) Plane(c int) []float32 {
	size := t.Height * t.Width
	return t.Data[c*size : (c+1)*size]
}

// Shape returns the tensor dimensions in [C, H, W] order.
func (t Tensor) Shape() [3]int {
	return [3]int{t.Channels, t.Height, t.Width}
}

// Embedding is a fixed-length feature vector produced by the extractor.
type Embedding []float32

// Slot is one of the fixed enrollment image roles.
type Slot int

const (
	SlotLeft1 Slot = iota
	SlotLeft2
	SlotRight1
	SlotRight2

	// SlotCount is the number of reference embeddings per identity.
	SlotCount = 4
)

// NoSlot marks a failure that is not tied to an enrollment slot.
const NoSlot Slot = -1

var slotNames = [SlotCount]string{"left_palm_1", "left_palm_2", "right_palm_1", "right_palm_2"}

// Slots lists every slot in enrollment order.
func Slots() [SlotCount]Slot {
	return [SlotCount]Slot{SlotLeft1, SlotLeft2, SlotRight1, SlotRight2}
}

func (s Slot) String() string {
	if s < 0 || int(s) >= SlotCount {
		return fmt.Sprintf("slot(%d)", int(s))
	}
	return slotNames[s]
}

// Locator returns the object path of the slot image for an identity.
func (s Slot) Locator(id IdentityID) string {
	return fmt.Sprintf("%s/%s.jpg", id, s)
}

// SlotSet holds one embedding per slot; a nil entry is an empty slot.
type SlotSet [SlotCount]Embedding

// Complete reports whether every slot holds an embedding.
func (s SlotSet) Complete() bool {
	return s.Filled() == SlotCount
}

// Filled counts the non-empty slots.
func (s SlotSet) Filled() int {
	n := 0
	for _, e := range s {
		if len(e) > 0 {
			n++
		}
	}
	return n
}

// IdentityRef is the part of an identity reported with a match.
type IdentityRef struct {
	ID   IdentityID
	Name string
}

// Identity is an enrolled subject with its reference embeddings.
type Identity struct {
	IdentityRef
	Email      string
	Present    bool
	Embeddings SlotSet
}

// Candidate is one reference embedding offered to the matcher.
type Candidate struct {
	Identity  IdentityRef
	Slot      Slot
	Embedding Embedding
}

// Scored is a candidate with its similarity to the query.
type Scored struct {
	Candidate
	Similarity float32
}

// MatchResult is the outcome of comparing a query against the store.
//
// Best is set whenever at least one candidate was compared, including when
// the best similarity did not clear the threshold. Warning carries a
// failure of the best-effort presence update after a successful match.
type MatchResult struct {
	Matched bool
	Best    *Scored
	Warning error
}

// Candidates expands identities into one candidate per stored embedding.
func Candidates(identities []Identity) []Candidate {
	candidates := make([]Candidate, 0, len(identities)*SlotCount)
	for _, identity := range identities {
		for slot, embedding := range identity.Embeddings {
			if len(embedding) == 0 {
				continue
			}
			candidates = append(candidates, Candidate{
				Identity:  identity.IdentityRef,
				Slot:      Slot(slot),
				Embedding: embedding,
			})
		}
	}
	return candidates
}
