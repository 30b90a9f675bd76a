package helpers

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatOccupancy renders "[current/capacity]", zero padding current to the
// width of capacity: "[03/10]", "[007/120]".
func FormatOccupancy(current, capacity int) string {
	width := len(strconv.Itoa(capacity))
	return fmt.Sprintf("[%0*d/%d]", width, current, capacity)
}

// ParseCapacity reads a positive snapshot count
func ParseCapacity(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("capacity %q is not a number", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("capacity must be at least 1, got %d", n)
	}
	return n, nil
}
