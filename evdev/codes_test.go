package evdev

import "testing"

func TestParseType(t *testing.T) {
	cases := map[string]int{
		"EV_KEY": EV_KEY,
		"ev_abs": EV_ABS,
		"2":      EV_REL,
		"0x03":   EV_ABS,
	}
	for in, want := range cases {
		got, err := ParseType(in)
		if err != nil {
			t.Errorf("ParseType(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseType(%q) = %d, want %d", in, got, want)
		}
	}

	if _, err := ParseType("EV_BOGUS"); err == nil {
		t.Errorf("expected error for unknown type")
	}
	if _, err := ParseType("70000"); err == nil {
		t.Errorf("expected error for out of range type")
	}
}

func TestParseCode(t *testing.T) {
	if c, err := ParseCode(EV_KEY, "BTN_LEFT"); err != nil || c != 0x110 {
		t.Errorf("ParseCode(EV_KEY, BTN_LEFT) = %d, %v", c, err)
	}
	if c, err := ParseCode(EV_ABS, "ABS_X"); err != nil || c != 0 {
		t.Errorf("ParseCode(EV_ABS, ABS_X) = %d, %v", c, err)
	}
	if c, err := ParseCode(EV_REL, "REL_WHEEL"); err != nil || c != 8 {
		t.Errorf("ParseCode(EV_REL, REL_WHEEL) = %d, %v", c, err)
	}
	if c, err := ParseCode(EV_ABS, "40"); err != nil || c != 40 {
		t.Errorf("ParseCode(EV_ABS, 40) = %d, %v", c, err)
	}
	if _, err := ParseCode(EV_ABS, ""); err == nil {
		t.Errorf("expected error for empty code")
	}
}

func TestNames_FallBackToNumbers(t *testing.T) {
	if got := TypeName(EV_ABS); got != "EV_ABS" {
		t.Errorf("TypeName(EV_ABS) = %q", got)
	}
	if got := TypeName(-1); got != "-1" {
		t.Errorf("TypeName(-1) = %q", got)
	}
	if got := CodeName(EV_ABS, -5); got != "-5" {
		t.Errorf("CodeName(EV_ABS, -5) = %q", got)
	}
}

func TestCodeCount(t *testing.T) {
	if CodeCount(EV_ABS) != 0x40 {
		t.Errorf("ABS count = %d", CodeCount(EV_ABS))
	}
	if CodeCount(EV_REL) != 0x10 {
		t.Errorf("REL count = %d", CodeCount(EV_REL))
	}
	if CodeCount(EV_KEY) != 0x300 {
		t.Errorf("KEY count = %d", CodeCount(EV_KEY))
	}
	if CodeCount(EV_PWR) != 0 {
		t.Errorf("PWR count = %d", CodeCount(EV_PWR))
	}
}
