package filterval

import "fmt"

func errShortInOrBloom() error {
	return fmt.Errorf("filterval: truncated in-or-bloom payload, missing discriminator")
}

func errUnknownInOrBloomTag(tag byte) error {
	return fmt.Errorf("filterval: unknown in-or-bloom discriminator %d", tag)
}
