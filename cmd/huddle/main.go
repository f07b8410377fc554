package main

import "github.com/xiaot623/huddle/cmd"

func main() {
	cmd.Execute()
}
