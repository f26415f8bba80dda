//go:build linux

package supervise

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// conflictingProcess makes a best-effort attempt to name whatever already
// holds port, by matching the listening socket's inode in /proc/net/tcp
// against the fd symlinks of every running process. Failures are silent;
// an empty string just means the bind error is reported without a name.
func conflictingProcess(port int) string {
	inode, err := listeningInode(port)
	if err != nil || inode == "" {
		return ""
	}
	pid, err := pidOwningInode(inode)
	if err != nil || pid == "" {
		return ""
	}
	name, err := processName(pid)
	if err != nil || name == "" {
		return fmt.Sprintf("pid %s", pid)
	}
	return name
}

func listeningInode(port int) (string, error) {
	f, err := os.Open("/proc/net/tcp")
	if err != nil {
		return "", err
	}
	defer f.Close()

	hexPort := strings.ToUpper(strconv.FormatInt(int64(port), 16))
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localAddr := fields[1] // "IP:PORT" in hex
		parts := strings.Split(localAddr, ":")
		if len(parts) != 2 || !strings.EqualFold(parts[1], hexPort) {
			continue
		}
		const stateListen = "0A"
		if fields[3] != stateListen {
			continue
		}
		return fields[9], nil // inode column
	}
	return "", scanner.Err()
}

func pidOwningInode(inode string) (string, error) {
	procDirs, err := os.ReadDir("/proc")
	if err != nil {
		return "", err
	}
	want := fmt.Sprintf("socket:[%s]", inode)
	for _, d := range procDirs {
		pid := d.Name()
		if _, err := strconv.Atoi(pid); err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", pid, "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == want {
				return pid, nil
			}
		}
	}
	return "", nil
}

func processName(pid string) (string, error) {
	b, err := os.ReadFile(filepath.Join("/proc", pid, "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
