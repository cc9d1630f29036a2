package dynamo

import (
	"strconv"
	"strings"

	"github.com/zlnvch/pixelround/models"
)

type dynamoSession struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	Id             string `dynamodbav:"Id"`
	NetworkAddress string `dynamodbav:"NetworkAddress"`
	WalletAddress  string `dynamodbav:"WalletAddress"`
	Ink            int    `dynamodbav:"Ink"`
	Eraser         int    `dynamodbav:"Eraser"`
	RefillRound    int64  `dynamodbav:"RefillRound"`
	CreatedMs      int64  `dynamodbav:"CreatedMs"`
}

// sessionLookup maps the (network, wallet) pair to the session id. It
// is the item whose conditional creation decides which of two
// concurrent first contacts owns the session.
type sessionLookup struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	Id string `dynamodbav:"Id"`
}

func sessionPK(id string) string {
	return "SESSION#" + id
}

func sessionLookupPK(networkAddress, walletAddress string) string {
	return "SESSKEY#" + networkAddress + "#" + walletAddress
}

func sessionToDynamo(s models.Session) dynamoSession {
	return dynamoSession{
		PK:             sessionPK(s.Id),
		SK:             "PROFILE",
		Id:             s.Id,
		NetworkAddress: s.NetworkAddress,
		WalletAddress:  s.WalletAddress,
		Ink:            s.Ink,
		Eraser:         s.Eraser,
		RefillRound:    s.RefillRound,
		CreatedMs:      s.CreatedMs,
	}
}

func sessionFromDynamo(ds dynamoSession) models.Session {
	return models.Session{
		Id:             ds.Id,
		NetworkAddress: ds.NetworkAddress,
		WalletAddress:  ds.WalletAddress,
		Ink:            ds.Ink,
		Eraser:         ds.Eraser,
		RefillRound:    ds.RefillRound,
		CreatedMs:      ds.CreatedMs,
	}
}

type dynamoPixel struct {
	PK        string `dynamodbav:"PK"` // PIXEL#<round>
	SK        string `dynamodbav:"SK"` // <x>:<y>
	Id        string `dynamodbav:"Id"`
	Color     string `dynamodbav:"Color"`
	Owner     string `dynamodbav:"Owner"`
	CreatedMs int64  `dynamodbav:"CreatedMs"`
}

func pixelPK(round int64) string {
	return "PIXEL#" + strconv.FormatInt(round, 10)
}

func pixelToDynamo(p models.Pixel) dynamoPixel {
	return dynamoPixel{
		PK:        pixelPK(p.Round),
		SK:        p.CellKey(),
		Id:        p.Id,
		Color:     p.Color,
		Owner:     p.Owner,
		CreatedMs: p.CreatedMs,
	}
}

func pixelFromDynamo(dp dynamoPixel) models.Pixel {
	round, _ := strconv.ParseInt(strings.TrimPrefix(dp.PK, "PIXEL#"), 10, 64)
	x, y := cellFromKey(dp.SK)
	return models.Pixel{
		Id:        dp.Id,
		X:         x,
		Y:         y,
		Color:     dp.Color,
		Owner:     dp.Owner,
		Round:     round,
		CreatedMs: dp.CreatedMs,
	}
}

func cellFromKey(key string) (int, int) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	x, _ := strconv.Atoi(parts[0])
	y, _ := strconv.Atoi(parts[1])
	return x, y
}

type dynamoRound struct {
	PK      string `dynamodbav:"PK"` // ROUND
	SK      string `dynamodbav:"SK"` // CURRENT
	Number  int64  `dynamodbav:"Number"`
	StartMs int64  `dynamodbav:"StartMs"`
	EndMs   int64  `dynamodbav:"EndMs"`
}

func roundFromDynamo(dr dynamoRound) models.Round {
	return models.Round{Number: dr.Number, StartMs: dr.StartMs, EndMs: dr.EndMs}
}

type dynamoChat struct {
	PK             string `dynamodbav:"PK"` // CHAT
	SK             string `dynamodbav:"SK"` // uuidv7, sorts chronologically
	Username       string `dynamodbav:"Username"`
	Content        string `dynamodbav:"Content"`
	NetworkAddress string `dynamodbav:"NetworkAddress"`
	CreatedMs      int64  `dynamodbav:"CreatedMs"`
}

func chatToDynamo(m models.ChatMessage) dynamoChat {
	return dynamoChat{
		PK:             "CHAT",
		SK:             m.Id,
		Username:       m.Username,
		Content:        m.Content,
		NetworkAddress: m.NetworkAddress,
		CreatedMs:      m.CreatedMs,
	}
}

func chatFromDynamo(dc dynamoChat) models.ChatMessage {
	return models.ChatMessage{
		Id:             dc.SK,
		Username:       dc.Username,
		Content:        dc.Content,
		NetworkAddress: dc.NetworkAddress,
		CreatedMs:      dc.CreatedMs,
	}
}
