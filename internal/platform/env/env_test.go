package env

import (
	"testing"
	"time"
)

func TestString_Default(t *testing.T) {
	got := String("ENV_STRING_DOES_NOT_EXIST", "fallback")
	if got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestString_Override(t *testing.T) {
	t.Setenv("ENV_STRING_KEY", "value")
	got := String("ENV_STRING_KEY", "fallback")
	if got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("ENV_REQUIRED_KEY", "  value  ")
	got, err := RequiredString("ENV_REQUIRED_KEY")
	if err != nil {
		t.Fatalf("RequiredString() err=%v", err)
	}
	if got != "value" {
		t.Fatalf("RequiredString()=%q, want value", got)
	}

	t.Setenv("ENV_REQUIRED_BLANK", "   ")
	if _, err := RequiredString("ENV_REQUIRED_BLANK"); err == nil {
		t.Fatalf("RequiredString() expected error for blank value")
	}
}

func TestDuration_Default(t *testing.T) {
	got, err := Duration("ENV_DURATION_DOES_NOT_EXIST", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 5*time.Second {
		t.Fatalf("Duration()=%v, want 5s", got)
	}
}

func TestDuration_Override(t *testing.T) {
	t.Setenv("ENV_DURATION_KEY", "250ms")
	got, err := Duration("ENV_DURATION_KEY", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v, want 250ms", got)
	}
}

func TestDuration_Invalid(t *testing.T) {
	t.Setenv("ENV_DURATION_KEY_INVALID", "not-a-duration")
	_, err := Duration("ENV_DURATION_KEY_INVALID", 5*time.Second)
	if err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBool_Override(t *testing.T) {
	t.Setenv("ENV_BOOL_KEY", "false")
	got, err := Bool("ENV_BOOL_KEY", true)
	if err != nil {
		t.Fatalf("Bool() err=%v", err)
	}
	if got != false {
		t.Fatalf("Bool()=%v, want false", got)
	}
}

func TestBool_Invalid(t *testing.T) {
	t.Setenv("ENV_BOOL_KEY_INVALID", "nope")
	_, err := Bool("ENV_BOOL_KEY_INVALID", false)
	if err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestInt_Override(t *testing.T) {
	t.Setenv("ENV_INT_KEY", "7")
	got, err := Int("ENV_INT_KEY", 42)
	if err != nil {
		t.Fatalf("Int() err=%v", err)
	}
	if got != 7 {
		t.Fatalf("Int()=%v, want 7", got)
	}
}

func TestStringList(t *testing.T) {
	t.Setenv("ENV_LIST_KEY", "a, b,, c ")
	got := StringList("ENV_LIST_KEY", nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("StringList()=%v", got)
	}

	got = StringList("ENV_LIST_DOES_NOT_EXIST", []string{"x"})
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("StringList() default=%v", got)
	}
}
