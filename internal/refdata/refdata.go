// Package refdata loads the operator's reference spreadsheets: the known-user
// directory, the partner hierarchy, and the partner name-to-code index. All
// three are read once at startup and immutable afterwards; a missing file is
// logged and yields an empty snapshot so the daemon still runs, with portal
// lookups as the fallback.
package refdata

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"
)

// User is one row of the subscriber directory.
type User struct {
	Username     string
	Name         string
	MobileNo     string
	SubscriberID string
	Email        string
}

// Directory indexes directory users by username and by subscriber id.
type Directory struct {
	byUsername map[string]User
	byID       map[string]User
}

// Partner is one entry of the partner hierarchy.
type Partner struct {
	PartnerID   string
	PartnerName string
}

// PartnerMap maps hierarchical partner codes to partner records.
type PartnerMap map[string]Partner

// CodeMap resolves partner names to hierarchy codes: exact normalized match
// first, then a word index for loose matches.
type CodeMap struct {
	exact map[string]string
	words map[string][]string // word -> codes containing it
}

// NewCodeMap builds a code map from name-to-code pairs, indexing words the
// same way LoadCodeMap does.
func NewCodeMap(names map[string]string) *CodeMap {
	cm := &CodeMap{
		exact: make(map[string]string, len(names)),
		words: make(map[string][]string),
	}
	for name, code := range names {
		k := normKey(name)
		c := strings.ToLower(code)
		cm.exact[k] = c
		for _, w := range strings.Fields(k) {
			if len(w) <= 2 {
				continue
			}
			cm.words[w] = append(cm.words[w], c)
		}
	}
	return cm
}

// normKey lower-cases and collapses whitespace for map keys.
func normKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func openRows(path string, logger *slog.Logger) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("reference sheet missing, continuing without it", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("refdata: open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("refdata: %s: no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("refdata: read %s: %w", path, err)
	}
	return rows, nil
}

// headerIndex maps lower-cased header cells to their column numbers.
func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[normKey(h)] = i
	}
	return idx
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func col(idx map[string]int, names ...string) int {
	for _, n := range names {
		if i, ok := idx[n]; ok {
			return i
		}
	}
	return -1
}

// NewDirectory builds a directory from an in-memory user list.
func NewDirectory(users []User) *Directory {
	d := &Directory{
		byUsername: make(map[string]User),
		byID:       make(map[string]User),
	}
	for _, u := range users {
		u.Username = strings.ToLower(strings.TrimSpace(u.Username))
		if u.Username != "" {
			d.byUsername[u.Username] = u
		}
		if u.SubscriberID != "" {
			d.byID[u.SubscriberID] = u
		}
	}
	return d
}

// LoadDirectory reads the user directory spreadsheet. Column headers are
// matched loosely so reformatted exports keep working.
func LoadDirectory(path string, logger *slog.Logger) (*Directory, error) {
	d := &Directory{
		byUsername: make(map[string]User),
		byID:       make(map[string]User),
	}
	rows, err := openRows(path, logger)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return d, nil
	}

	idx := headerIndex(rows[0])
	cUser := col(idx, "username", "user name", "userid")
	cName := col(idx, "name", "subscriber name")
	cMobile := col(idx, "mobile", "mobile no", "mobile no.", "phone")
	cID := col(idx, "subscriber id", "subid", "id")
	cEmail := col(idx, "email", "email id")

	for _, row := range rows[1:] {
		u := User{
			Username:     strings.ToLower(cell(row, cUser)),
			Name:         cell(row, cName),
			MobileNo:     cell(row, cMobile),
			SubscriberID: cell(row, cID),
			Email:        cell(row, cEmail),
		}
		if u.Username == "" && u.SubscriberID == "" {
			continue
		}
		if u.Username != "" {
			d.byUsername[u.Username] = u
		}
		if u.SubscriberID != "" {
			d.byID[u.SubscriberID] = u
		}
	}
	logger.Info("user directory loaded", "path", path, "users", len(d.byUsername))
	return d, nil
}

// ByUsername looks a user up by portal code.
func (d *Directory) ByUsername(username string) (User, bool) {
	u, ok := d.byUsername[strings.ToLower(strings.TrimSpace(username))]
	return u, ok
}

// ByID looks a user up by numeric subscriber id.
func (d *Directory) ByID(id string) (User, bool) {
	u, ok := d.byID[strings.TrimSpace(id)]
	return u, ok
}

// Len reports the number of distinct usernames in the directory.
func (d *Directory) Len() int { return len(d.byUsername) }

// LoadPartnerMap reads the partner hierarchy spreadsheet: code, partner id,
// partner name.
func LoadPartnerMap(path string, logger *slog.Logger) (PartnerMap, error) {
	pm := make(PartnerMap)
	rows, err := openRows(path, logger)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return pm, nil
	}

	idx := headerIndex(rows[0])
	cCode := col(idx, "code", "partner code", "hierarchy code")
	cID := col(idx, "partner id", "partnerid", "id")
	cName := col(idx, "partner name", "name")

	for _, row := range rows[1:] {
		code := strings.ToLower(cell(row, cCode))
		if code == "" {
			continue
		}
		pm[code] = Partner{
			PartnerID:   cell(row, cID),
			PartnerName: cell(row, cName),
		}
	}
	logger.Info("partner map loaded", "path", path, "partners", len(pm))
	return pm, nil
}

// LoadCodeMap reads the partner name-to-code spreadsheet and builds the word
// index used for loose name resolution.
func LoadCodeMap(path string, logger *slog.Logger) (*CodeMap, error) {
	cm := &CodeMap{
		exact: make(map[string]string),
		words: make(map[string][]string),
	}
	rows, err := openRows(path, logger)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return cm, nil
	}

	idx := headerIndex(rows[0])
	cName := col(idx, "partner name", "name")
	cCode := col(idx, "code", "partner code")

	for _, row := range rows[1:] {
		name := normKey(cell(row, cName))
		code := strings.ToLower(cell(row, cCode))
		if name == "" || code == "" {
			continue
		}
		cm.exact[name] = code
		for _, w := range strings.Fields(name) {
			// Short words (co, of, the) carry no signal.
			if len(w) <= 2 {
				continue
			}
			cm.words[w] = append(cm.words[w], code)
		}
	}
	logger.Info("partner code map loaded", "path", path, "names", len(cm.exact))
	return cm, nil
}

// Resolve maps a partner name to its hierarchy code. Exact normalized match
// wins; otherwise the code sharing the most indexed words, if any.
func (cm *CodeMap) Resolve(partnerName string) (string, bool) {
	name := normKey(partnerName)
	if code, ok := cm.exact[name]; ok {
		return code, true
	}

	hits := make(map[string]int)
	for _, w := range strings.Fields(name) {
		if len(w) <= 2 {
			continue
		}
		for _, code := range cm.words[w] {
			hits[code]++
		}
	}
	best, bestN := "", 0
	for code, n := range hits {
		if n > bestN || (n == bestN && code < best) {
			best, bestN = code, n
		}
	}
	if bestN == 0 {
		return "", false
	}
	return best, true
}
