package native

import "fmt"

// BlockSize is the fixed number of slots in a ParameterBlock.
const BlockSize = 16

// Slot indices. The meaning of a slot depends on the block's Mode; see
// slotLayout for which slots each mode may set.
const (
	SlotOperation      = 0  // Opcode, every mode
	SlotLeft           = 1  // recognition modes
	SlotTop            = 2  // recognition modes
	SlotWidth          = 3  // recognition modes
	SlotHeight         = 4  // recognition modes
	SlotMethod         = 5  // binarize method
	SlotLevel          = 6  // binarize threshold, noise strength, skew max angle (tenths of a degree)
	SlotProcessType    = 7  // ProcessType, every mode
	SlotFlags          = 8  // image modes, Flag bits
	SlotFilter         = 9  // noise filter
	SlotLanguage       = 10 // English/numeric and Japanese
	SlotCharType       = 11 // English/numeric and Japanese
	SlotDictionary     = 12 // Japanese only
	SlotLimitedCharset = 13 // Japanese only
	SlotSymbology      = 14 // barcode only
	SlotDirection      = 15 // barcode only
)

// Mode is the operation mode a block is laid out for.
type Mode int

const (
	ModeBinarize Mode = iota + 1
	ModeSkewCorrect
	ModeNoiseReduce
	ModeEnglishNumeric
	ModeJapanese
	ModeBarcode
)

func (m Mode) String() string {
	switch m {
	case ModeBinarize:
		return "binarize"
	case ModeSkewCorrect:
		return "skew-correct"
	case ModeNoiseReduce:
		return "noise-reduce"
	case ModeEnglishNumeric:
		return "english-numeric"
	case ModeJapanese:
		return "japanese"
	case ModeBarcode:
		return "barcode"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ProcessType is stored in SlotProcessType for every mode.
type ProcessType int64

const (
	ProcessImage     ProcessType = 1
	ProcessRecognize ProcessType = 2
)

// ProcessType returns the process type a mode always carries.
func (m Mode) ProcessType() ProcessType {
	switch m {
	case ModeEnglishNumeric, ModeJapanese, ModeBarcode:
		return ProcessRecognize
	default:
		return ProcessImage
	}
}

// Flag bits for SlotFlags.
const (
	FlagDenoise int64 = 1 << iota
	FlagRemoveBorder
	FlagExtractArea
	FlagEnhance
	FlagPreserveDetail
)

// SlotKind is the type tag of a slot.
type SlotKind int

const (
	SlotEmpty SlotKind = iota
	SlotInt
	SlotString
)

// Slot is one typed cell of a ParameterBlock.
type Slot struct {
	Kind SlotKind
	Int  int64
	Str  string
}

var slotLayout = map[Mode][]int{
	ModeBinarize:       {SlotMethod, SlotLevel, SlotFlags},
	ModeSkewCorrect:    {SlotLevel, SlotFlags},
	ModeNoiseReduce:    {SlotFilter, SlotLevel, SlotFlags},
	ModeEnglishNumeric: {SlotLeft, SlotTop, SlotWidth, SlotHeight, SlotLanguage, SlotCharType},
	ModeJapanese:       {SlotLeft, SlotTop, SlotWidth, SlotHeight, SlotLanguage, SlotCharType, SlotDictionary, SlotLimitedCharset},
	ModeBarcode:        {SlotLeft, SlotTop, SlotWidth, SlotHeight, SlotSymbology, SlotDirection},
}

// SlotAllowed reports whether slot carries meaning in mode. SlotOperation and
// SlotProcessType are always allowed but are managed by the block itself.
func SlotAllowed(mode Mode, slot int) bool {
	for _, s := range slotLayout[mode] {
		if s == slot {
			return true
		}
	}
	return false
}

// ParameterBlock is the fixed-shape positional record passed to a library
// call. Construct it with NewParameterBlock; the operation and process type
// slots are filled in from the mode.
type ParameterBlock struct {
	mode  Mode
	slots [BlockSize]Slot
}

// NewParameterBlock returns a block laid out for mode and op.
func NewParameterBlock(mode Mode, op Opcode) (*ParameterBlock, error) {
	if _, ok := slotLayout[mode]; !ok {
		return nil, fmt.Errorf("unknown parameter block mode %d", int(mode))
	}
	b := &ParameterBlock{mode: mode}
	b.slots[SlotOperation] = Slot{Kind: SlotInt, Int: int64(op)}
	b.slots[SlotProcessType] = Slot{Kind: SlotInt, Int: int64(mode.ProcessType())}
	return b, nil
}

// Mode returns the layout mode.
func (b *ParameterBlock) Mode() Mode { return b.mode }

// Opcode returns the operation stored in SlotOperation.
func (b *ParameterBlock) Opcode() Opcode { return Opcode(b.slots[SlotOperation].Int) }

// ProcessType returns the value of SlotProcessType.
func (b *ParameterBlock) ProcessType() ProcessType {
	return ProcessType(b.slots[SlotProcessType].Int)
}

func (b *ParameterBlock) checkSlot(slot int) error {
	if slot < 0 || slot >= BlockSize {
		return fmt.Errorf("slot %d out of range", slot)
	}
	if !SlotAllowed(b.mode, slot) {
		return fmt.Errorf("slot %d is not used in %s mode", slot, b.mode)
	}
	return nil
}

// SetInt stores an integer in slot.
func (b *ParameterBlock) SetInt(slot int, v int64) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.slots[slot] = Slot{Kind: SlotInt, Int: v}
	return nil
}

// SetString stores a string in slot.
func (b *ParameterBlock) SetString(slot int, v string) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.slots[slot] = Slot{Kind: SlotString, Str: v}
	return nil
}

// Slot returns the raw slot; out-of-range indices yield an empty slot.
func (b *ParameterBlock) Slot(slot int) Slot {
	if slot < 0 || slot >= BlockSize {
		return Slot{}
	}
	return b.slots[slot]
}

// Int returns the integer in slot and whether one was set.
func (b *ParameterBlock) Int(slot int) (int64, bool) {
	s := b.Slot(slot)
	return s.Int, s.Kind == SlotInt
}

// Str returns the string in slot and whether one was set.
func (b *ParameterBlock) Str(slot int) (string, bool) {
	s := b.Slot(slot)
	return s.Str, s.Kind == SlotString
}

// Slots returns a copy of the positional array as the library sees it.
func (b *ParameterBlock) Slots() [BlockSize]Slot { return b.slots }
