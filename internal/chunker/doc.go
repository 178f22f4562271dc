// Package chunker divides document text into overlapping chunks for
// embedding and search.
//
// Text is split on the first separator that occurs in it (blank line, then
// newline, then space, then individual runes). Pieces that still exceed the
// chunk size are split again with the next separator; the rest are packed
// back together up to the chunk size, each chunk repeating up to the overlap
// from the end of the previous one.
//
//	c, err := chunker.New(800, 120)
//	if err != nil {
//	    return err
//	}
//	for i, text := range c.Split(markdown) {
//	    fmt.Printf("chunk %d: %d runes\n", i, utf8.RuneCountInString(text))
//	}
//
// Sizes are measured in runes, not bytes or tokens.
package chunker
