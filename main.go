package main

import "renderq/cmd"

func main() {
	cmd.Execute()
}
