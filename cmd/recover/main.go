package main

import "github.com/OpenTraceLab/OpenTraceRecover/cmd/recover/cmd"

func main() {
	cmd.Execute()
}
