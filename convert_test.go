package replhost

import "testing"

func TestConvertPrimitives(t *testing.T) {
	if v, err := Convert[int64]("42"); err != nil || v != 42 {
		t.Errorf("Convert[int64](42) = %v, %v", v, err)
	}
	if v, err := Convert[float64]("3.14"); err != nil || v != 3.14 {
		t.Errorf("Convert[float64](3.14) = %v, %v", v, err)
	}
	if v, err := Convert[bool]("True"); err != nil || v != true {
		t.Errorf("Convert[bool](True) = %v, %v", v, err)
	}
	if v, err := Convert[bool]("false"); err != nil || v != false {
		t.Errorf("Convert[bool](false) = %v, %v", v, err)
	}
	if v, err := Convert[string](" hi "); err != nil || v != "hi" {
		t.Errorf("Convert[string]( hi ) = %q, %v", v, err)
	}
}

func TestConvertEmptyText(t *testing.T) {
	if v, err := Convert[string](""); err != nil || v != "" {
		t.Errorf("empty text -> string should yield \"\", got %q, %v", v, err)
	}
	if v, err := Convert[int64](""); err != nil || v != 0 {
		t.Errorf("empty text -> int64 should yield 0, got %v, %v", v, err)
	}
}

func TestConvertFailureWraps(t *testing.T) {
	_, err := Convert[int64]("not-a-number")
	if err == nil {
		t.Fatal("expected conversion failure")
	}
	var convErr *ConversionError
	if !asConversionError(err, &convErr) {
		t.Fatalf("expected *ConversionError, got %T", err)
	}
}

type jsonPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestConvertJSONStruct(t *testing.T) {
	v, err := ConvertJSON[jsonPoint](`{"x": 1, "y": 2}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.X != 1 || v.Y != 2 {
		t.Errorf("got %+v", v)
	}
}

func asConversionError(err error, target **ConversionError) bool {
	ce, ok := err.(*ConversionError)
	if ok {
		*target = ce
	}
	return ok
}
