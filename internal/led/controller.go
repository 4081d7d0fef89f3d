// Package led drives a board status LED from capture session events.
package led

// Pattern is how an LED is lit.
type Pattern string

// Patterns understood by every Controller.
const (
	PatternOff   Pattern = "off"
	PatternSolid Pattern = "solid"
	PatternBlink Pattern = "blink"
)

// Controller sets the pattern of one LED.
type Controller interface {
	Set(p Pattern) error
}
