package activity

import "testing"

func osc9(msg string) []byte {
	return append([]byte("\x1b]9;"+msg), 0x07)
}

func osc777(title, body string) []byte {
	return append([]byte("\x1b]777;notify;"+title+";"+body), 0x07)
}

func TestDetectNoSignalReturnsFalse(t *testing.T) {
	d := NewOSCDetector()
	_, ok := d.Detect([]byte("plain output, no escapes\n"), State{})
	if ok {
		t.Error("expected ok == false for plain output")
	}
}

func TestDetectGeneratingFromOSC9(t *testing.T) {
	d := NewOSCDetector()
	next, ok := d.Detect(osc9("Generating response"), State{Label: LabelIdle})
	if !ok {
		t.Fatal("expected ok == true")
	}
	if next.Label != LabelGenerating {
		t.Errorf("label = %q, want %q", next.Label, LabelGenerating)
	}
}

func TestDetectToolUseFromOSC777(t *testing.T) {
	d := NewOSCDetector()
	next, ok := d.Detect(osc777("Tool call", "running grep"), State{})
	if !ok {
		t.Fatal("expected ok == true")
	}
	if next.Label != LabelToolUse {
		t.Errorf("label = %q, want %q", next.Label, LabelToolUse)
	}
}

func TestDetectAwaitingConfirmation(t *testing.T) {
	d := NewOSCDetector()
	next, ok := d.Detect(osc9("Waiting for confirmation to proceed"), State{})
	if !ok {
		t.Fatal("expected ok == true")
	}
	if next.Label != LabelAwaitingConfirmation {
		t.Errorf("label = %q, want %q", next.Label, LabelAwaitingConfirmation)
	}
}

func TestDetectCustomFallback(t *testing.T) {
	d := NewOSCDetector()
	next, ok := d.Detect(osc9("some arbitrary agent-specific status"), State{})
	if !ok {
		t.Fatal("expected ok == true")
	}
	if next.Label != LabelCustom {
		t.Errorf("label = %q, want %q", next.Label, LabelCustom)
	}
	if next.Detail == "" {
		t.Error("expected non-empty detail for custom label")
	}
}

func TestDetectSameStateReturnsFalse(t *testing.T) {
	d := NewOSCDetector()
	prior := State{Label: LabelGenerating, Detail: "Generating response"}
	_, ok := d.Detect(osc9("Generating response"), prior)
	if ok {
		t.Error("expected ok == false when new state equals prior state")
	}
}

func TestDetectEscapeSequenceLikeMessageIgnored(t *testing.T) {
	d := NewOSCDetector()
	_, ok := d.Detect(osc9("123;456"), State{})
	if ok {
		t.Error("expected digits-and-semicolons message to be ignored")
	}
}
