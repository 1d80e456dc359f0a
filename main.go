package main

import "github.com/memberbase/ldapbridge/cmd"

func main() {
	cmd.Execute()
}
