package main

import "github.com/freelancehub/creditengine/cmd"

var (
	gitCommit  = "none"
	gitVersion = "dev"
)

func main() {
	cmd.Execute(gitCommit, gitVersion)
}
