package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

func main() {
	cmd := exec.Command("sh", "-c", "cat")
	stdin, _ := cmd.StdinPipe()
	pr, pw, _ := os.Pipe()
	cmd.Stdout = pw
	cmd.Start()
	pw.Close()
	pid := cmd.Process.Pid
	fmt.Println("pid", pid)

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := pr.Read(buf)
			fmt.Println("read", n, err)
			if err != nil {
				break
			}
		}
		pr.Close()
		stdin.Close()
		fmt.Println("calling wait")
		werr := cmd.Wait()
		fmt.Println("wait done", werr)
	}()

	stdin.Write([]byte("hi\n"))
	time.Sleep(300 * time.Millisecond)
	out0, _ := exec.Command("ps", "-ef", "--forest").CombinedOutput()
	fmt.Println("tree:\n", string(out0))
	fdout, _ := exec.Command("ls", "-la", fmt.Sprintf("/proc/%d/fd", pid)).CombinedOutput()
	fmt.Println("fds:\n", string(fdout))
	err := cmd.Process.Kill()
	fmt.Println("kill err", err)
	time.Sleep(1 * time.Second)
	out, _ := exec.Command("ps", "-p", fmt.Sprint(pid), "-o", "pid,stat,cmd").CombinedOutput()
	fmt.Println("ps:", string(out))
	time.Sleep(2 * time.Second)
	fmt.Println("done sleeping")
	_ = io.EOF
}
