// Command gendocs writes man pages and markdown reference for the ixnay CLI.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/spf13/cobra/doc"

	"ixnay.dev/go/ixnay/internal/cli"
)

func main() {
	manDir := flag.String("man", "./man", "man page output directory")
	mdDir := flag.String("md", "./docs/cli", "markdown output directory")
	flag.Parse()

	root := cli.RootCmd
	root.DisableAutoGenTag = true

	header := &doc.GenManHeader{
		Title:   "IXNAY",
		Section: "1",
		Source:  "ixnay",
		Manual:  "ixnay manual",
	}
	for dir, gen := range map[string]func(string) error{
		*manDir: func(d string) error { return doc.GenManTree(root, header, d) },
		*mdDir:  func(d string) error { return doc.GenMarkdownTree(root, d) },
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("create %s: %v", dir, err)
		}
		if err := gen(dir); err != nil {
			log.Fatalf("generate into %s: %v", dir, err)
		}
		log.Printf("docs written to %s", dir)
	}
}
