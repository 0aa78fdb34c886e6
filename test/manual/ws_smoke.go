//go:build ignore

package main

// Manual end-to-end check against a running chatterd instance.
//
// WHAT IT DOES:
//   1. Registers two fresh users and logs them in
//   2. Creates a group chat containing both
//   3. Opens a WebSocket per user and joins the chat room
//   4. Sends a message over REST as the first user
//   5. Prints every frame each socket receives for a few seconds
//
// USAGE:
//   go run test/manual/ws_smoke.go -addr http://localhost:8080

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type user struct {
	ID    string
	Name  string
	Token string
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "chatterd base URL")
	flag.Parse()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano()%1000000)
	ada := mustUser(*addr, "ada"+suffix)
	lin := mustUser(*addr, "lin"+suffix)
	fmt.Printf("registered %s and %s\n", ada.Name, lin.Name)

	chatID := mustChat(*addr, ada, []string{ada.ID, lin.ID})
	fmt.Printf("chat %s created\n", chatID)

	adaWS := mustDial(*addr, ada, chatID)
	linWS := mustDial(*addr, lin, chatID)
	go dump(ada.Name, adaWS)
	go dump(lin.Name, linWS)

	time.Sleep(500 * time.Millisecond)

	body, _ := json.Marshal(map[string]any{"chat_id": chatID, "content": "smoke test message"})
	req, _ := http.NewRequest("POST", *addr+"/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ada.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail("send message: %v", err)
	}
	resp.Body.Close()
	fmt.Printf("message sent: %s\n", resp.Status)

	time.Sleep(3 * time.Second)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func postJSON(addr, path, token string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mustUser(addr, name string) user {
	var created struct {
		ID string `json:"id"`
	}
	err := postJSON(addr, "/register", "", map[string]string{
		"username":  name,
		"email":     name + "@example.com",
		"password":  "Password123!",
		"full_name": name,
	}, &created)
	if err != nil {
		fail("register %s: %v", name, err)
	}

	form := url.Values{"username": {name}, "password": {"Password123!"}}
	resp, err := http.PostForm(addr+"/token", form)
	if err != nil {
		fail("login %s: %v", name, err)
	}
	defer resp.Body.Close()
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		fail("decode token for %s: %v", name, err)
	}
	return user{ID: created.ID, Name: name, Token: tok.AccessToken}
}

func mustChat(addr string, creator user, memberIDs []string) string {
	var chat struct {
		ID string `json:"id"`
	}
	err := postJSON(addr, "/chats", creator.Token, map[string]any{
		"chat_type":  "group",
		"name":       "smoke",
		"member_ids": memberIDs,
	}, &chat)
	if err != nil {
		fail("create chat: %v", err)
	}
	return chat.ID
}

func mustDial(addr string, u user, chatID string) *websocket.Conn {
	wsBase := "ws" + strings.TrimPrefix(addr, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/"+u.ID+"?token="+url.QueryEscape(u.Token), nil)
	if err != nil {
		fail("dial %s: %v", u.Name, err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "join_chat", "chat_id": chatID}); err != nil {
		fail("join as %s: %v", u.Name, err)
	}
	return conn
}

func dump(name string, conn *websocket.Conn) {
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		b, _ := json.Marshal(frame)
		fmt.Printf("[%s] %s\n", name, b)
	}
}
