package shared

import "fmt"

// PeriodNameKey builds redis keys for the period name to id cache.
func PeriodNameKey(name string) string {
	return fmt.Sprintf("grouporder:period:name:%s", name)
}
