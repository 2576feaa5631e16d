package indexer

import (
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

var kotlinSeparators = []string{
	"\nclass ", "\npublic ", "\nprotected ", "\nprivate ", "\ninternal ", "\ncompanion ", "\nfun ",
	"\nval ", "\nvar ", "\nif ", "\nfor ", "\nwhile ", "\nwhen ", "\ncase ", "\nelse ",
	"\n\n", "\n", " ", "",
}

var javaSeparators = []string{
	"\nclass ", "\npublic ", "\nprotected ", "\nprivate ", "\nstatic ",
	"\nif ", "\nfor ", "\nwhile ", "\nswitch ", "\ncase ",
	"\n\n", "\n", " ", "",
}

var markdownSeparators = []string{
	"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
	"```\n", "\n***\n", "\n---\n", "\n___\n",
	"\n\n", "\n", " ", "",
}

var genericSeparators = []string{"\n\n", "\n", " ", ""}

// splitters holds one recursive splitter per delimiter hierarchy.
type splitters struct {
	kotlin, java, markdown, generic textsplitter.RecursiveCharacter
}

func newSplitters(size, overlap int) *splitters {
	mk := func(seps []string) textsplitter.RecursiveCharacter {
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(seps),
			textsplitter.WithKeepSeparator(true),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		)
	}
	return &splitters{
		kotlin:   mk(kotlinSeparators),
		java:     mk(javaSeparators),
		markdown: mk(markdownSeparators),
		generic:  mk(genericSeparators),
	}
}

func (s *splitters) forType(fileType string) textsplitter.RecursiveCharacter {
	switch fileType {
	case "kotlin":
		return s.kotlin
	case "java":
		return s.java
	case "markdown":
		return s.markdown
	default:
		return s.generic
	}
}
