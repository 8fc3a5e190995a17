package evdev

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	goevdev "github.com/holoplot/go-evdev"
)

// Event types, from <linux/input-event-codes.h>.
const (
	EV_SYN       = int(goevdev.EV_SYN)
	EV_KEY       = int(goevdev.EV_KEY)
	EV_REL       = int(goevdev.EV_REL)
	EV_ABS       = int(goevdev.EV_ABS)
	EV_MSC       = int(goevdev.EV_MSC)
	EV_SW        = int(goevdev.EV_SW)
	EV_LED       = int(goevdev.EV_LED)
	EV_SND       = int(goevdev.EV_SND)
	EV_REP       = int(goevdev.EV_REP)
	EV_FF        = int(goevdev.EV_FF)
	EV_PWR       = int(goevdev.EV_PWR)
	EV_FF_STATUS = int(goevdev.EV_FF_STATUS)
	EV_MAX       = int(goevdev.EV_MAX)
)

// Synchronization codes.
const (
	SYN_REPORT  = int(goevdev.SYN_REPORT)
	SYN_DROPPED = int(goevdev.SYN_DROPPED)
)

// Number of codes per axis class.
const (
	SynCount = int(goevdev.SYN_CNT)
	KeyCount = int(goevdev.KEY_CNT)
	RelCount = int(goevdev.REL_CNT)
	AbsCount = int(goevdev.ABS_CNT)
	MscCount = int(goevdev.MSC_CNT)
	SwCount  = int(goevdev.SW_CNT)
	LedCount = int(goevdev.LED_CNT)
	SndCount = int(goevdev.SND_CNT)
	FFCount  = int(goevdev.FF_CNT)
)

// CodeCount returns the size of the code space of an event type, or 0 for
// types without a fixed code space.
func CodeCount(typ int) int {
	switch typ {
	case EV_SYN:
		return SynCount
	case EV_KEY:
		return KeyCount
	case EV_REL:
		return RelCount
	case EV_ABS:
		return AbsCount
	case EV_MSC:
		return MscCount
	case EV_SW:
		return SwCount
	case EV_LED:
		return LedCount
	case EV_SND:
		return SndCount
	case EV_FF:
		return FFCount
	default:
		return 0
	}
}

// TypeName returns the symbolic name of an event type, or its number.
func TypeName(typ int) string {
	if typ < 0 || typ > 0xFFFF {
		return strconv.Itoa(typ)
	}
	if name := goevdev.TypeName(goevdev.EvType(typ)); name != "" {
		return name
	}
	return strconv.Itoa(typ)
}

// CodeName returns the symbolic name of a code within an event type, or its number.
func CodeName(typ, code int) string {
	if typ < 0 || typ > 0xFFFF || code < 0 || code > 0xFFFF {
		return strconv.Itoa(code)
	}
	if name := goevdev.CodeName(goevdev.EvType(typ), goevdev.EvCode(code)); name != "" {
		return name
	}
	return strconv.Itoa(code)
}

// ParseType accepts "EV_KEY" style names or numbers (decimal or 0x hex).
func ParseType(s string) (int, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return 0, fmt.Errorf("event type is empty")
	}
	if t, ok := goevdev.EVFromString[raw]; ok {
		return int(t), nil
	}
	return parseUint16(raw, "event type")
}

// ParseCode accepts a symbolic code name for typ (e.g. "BTN_LEFT", "ABS_X")
// or a number.
func ParseCode(typ int, s string) (int, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return 0, fmt.Errorf("event code is empty")
	}
	if typ == EV_KEY {
		if c, ok := goevdev.KEYFromString[raw]; ok {
			return int(c), nil
		}
	} else if c, ok := codeIndex(typ)[raw]; ok {
		return c, nil
	}
	return parseUint16(raw, "event code")
}

func parseUint16(raw, what string) (int, error) {
	n, err := strconv.ParseInt(raw, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown %s %q", what, raw)
	}
	if n < 0 || n > 0xFFFF {
		return 0, fmt.Errorf("%s out of range: %d", what, n)
	}
	return int(n), nil
}

var (
	codeIndexMu sync.Mutex
	codeIndexes = map[int]map[string]int{}
)

// codeIndex builds a name -> code map for typ from the library's code names.
// Aliased codes are rendered as "A/B" by the library; each alias is indexed.
func codeIndex(typ int) map[string]int {
	codeIndexMu.Lock()
	defer codeIndexMu.Unlock()

	if idx, ok := codeIndexes[typ]; ok {
		return idx
	}

	idx := map[string]int{}
	for c := 0; c < CodeCount(typ); c++ {
		name := goevdev.CodeName(goevdev.EvType(typ), goevdev.EvCode(c))
		for _, alias := range strings.Split(name, "/") {
			if alias == "" {
				continue
			}
			if _, dup := idx[alias]; !dup {
				idx[alias] = c
			}
		}
	}
	codeIndexes[typ] = idx
	return idx
}
