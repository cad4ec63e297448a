package trace

import "testing"

func TestBasic(t *testing.T) {
	tr := New("test", "TestBasic")
	tr.Printf("hello %d", 1)
	tr.Debugf("debug %d", 2)
	if err := tr.Errorf("boom %d", 3); err == nil {
		t.Errorf("Errorf returned nil error")
	}
	tr.Finish()
}

func TestNewChild(t *testing.T) {
	parent := New("test", "parent")
	defer parent.Finish()

	child := parent.NewChild("test", "child")
	defer child.Finish()

	child.Printf("from child")
}
