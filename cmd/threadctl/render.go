package main

import (
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/oziev02/commentsync/internal/thread"
)

func printTree(w io.Writer, roots iter.Seq[thread.Comment]) {
	empty := true
	for c := range roots {
		empty = false
		printComment(w, c, 0)
	}
	if empty {
		fmt.Fprintln(w, "(no comments)")
	}
}

func printComment(w io.Writer, c thread.Comment, depth int) {
	fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), formatComment(c))
	for _, child := range c.Children {
		printComment(w, child, depth+1)
	}
}

func formatComment(c thread.Comment) string {
	if c.Placeholder {
		return fmt.Sprintf("[%s] (deleted)", c.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", c.ID, c.AuthorID, c.Content)
	like := "♡"
	if c.ViewerHasLiked {
		like = "♥"
	}
	fmt.Fprintf(&b, "  %s %d", like, c.LikeCount)

	var flags []string
	if c.Pending {
		flags = append(flags, "pending")
	}
	if c.Failed {
		flags = append(flags, "failed")
	}
	if c.Dangling {
		flags = append(flags, "dangling")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, "  (%s)", strings.Join(flags, ", "))
	}
	return b.String()
}
