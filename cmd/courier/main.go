package main

import "github.com/vietddude/courier/internal/cli"

func main() {
	cli.Execute()
}
