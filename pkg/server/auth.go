/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-18
 */
package server

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/pion/turn/v4"
)

// LoadAuthFile 读取 TURN 账号文件
func LoadAuthFile(path string) (map[string][]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty auth file path", rtcerr.ErrInvalidState)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open auth file: %w", err)
	}
	defer f.Close()
	return ParseAuth(f)
}

// ParseAuth 解析账号列表
// 每行 username=HA1，HA1 为 md5(username:realm:password) 的十六进制；空行和 # 开头的行忽略
func ParseAuth(r io.Reader) (map[string][]byte, error) {
	users := make(map[string][]byte)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, ha1, ok := strings.Cut(text, "=")
		name, ha1 = strings.TrimSpace(name), strings.TrimSpace(ha1)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: auth line %d: expected username=HA1", rtcerr.ErrInvalidState, line)
		}
		key, err := hex.DecodeString(ha1)
		if err != nil || len(key) != md5.Size {
			return nil, fmt.Errorf("%w: auth line %d: HA1 must be %d hex bytes", rtcerr.ErrInvalidState, line, md5.Size)
		}
		users[name] = key
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read auth file: %w", err)
	}
	return users, nil
}

// AuthLine 生成一行账号记录
func AuthLine(username, realm, password string) string {
	return username + "=" + hex.EncodeToString(turn.GenerateAuthKey(username, realm, password))
}
