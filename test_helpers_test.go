package main

import (
	"fmt"
	"os/exec"
	"strconv"
)

func runGoBuild(pkg, out string) error {
	cmd := exec.Command("go", "build", "-o", out, pkg)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("go build failed: %w\n%s", err, string(b))
	}
	return nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
