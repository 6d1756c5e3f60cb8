package handlers

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/auth"
	"github.com/example/face-attendance/internal/repository"
)

const maxListLimit = 1000

// AttendanceRow is an attendance record joined with the subject name.
type AttendanceRow struct {
	SubjectID   string    `json:"subject_id"`
	SubjectName string    `json:"subject_name"`
	ClassID     string    `json:"class_id"`
	RecordedAt  time.Time `json:"recorded_at"`
	Score       float64   `json:"score"`
}

// listAttendance serves GET /attendance. Non-admins only see their own records.
func (h *handler) listAttendance(c *gin.Context) {
	rows, ok := h.queryAttendance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": rows, "count": len(rows)})
}

// exportAttendance serves GET /attendance/export as CSV.
func (h *handler) exportAttendance(c *gin.Context) {
	rows, ok := h.queryAttendance(c)
	if !ok {
		return
	}

	filename := fmt.Sprintf("attendance-%s.csv", time.Now().UTC().Format("2006-01-02"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)

	if err := WriteAttendanceCSV(c.Writer, rows); err != nil {
		h.logger.Warn("csv export interrupted", zap.Error(err))
	}
}

// WriteAttendanceCSV writes rows with a header line. Dates and times are UTC.
func WriteAttendanceCSV(out io.Writer, rows []AttendanceRow) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"Name", "Subject ID", "Class ID", "Date", "Time"}); err != nil {
		return err
	}
	for _, r := range rows {
		at := r.RecordedAt.UTC()
		if err := w.Write([]string{r.SubjectName, r.SubjectID, r.ClassID, at.Format("2006-01-02"), at.Format("15:04")}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (h *handler) queryAttendance(c *gin.Context) ([]AttendanceRow, bool) {
	filter, err := parseAttendanceFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if auth.GetRole(c.Request.Context()) != auth.RoleAdmin {
		filter.SubjectID, _ = auth.GetUserID(c.Request.Context())
	}

	records, err := h.svc.Attendance.ListAttendance(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("list attendance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attendance unavailable"})
		return nil, false
	}

	names, err := h.svc.Profiles.Names(c.Request.Context(), SubjectIDs(records))
	if err != nil {
		h.logger.Warn("subject names unavailable", zap.Error(err))
		names = map[string]string{}
	}
	return JoinNames(records, names, c.Query("q")), true
}

// SubjectIDs returns the distinct subject ids of records in order.
func SubjectIDs(records []repository.AttendanceRecord) []string {
	ids := make([]string, 0, len(records))
	seen := map[string]bool{}
	for _, r := range records {
		if !seen[r.SubjectID] {
			seen[r.SubjectID] = true
			ids = append(ids, r.SubjectID)
		}
	}
	return ids
}

// JoinNames attaches subject names to records and keeps those whose name,
// subject id or class id contains query, case-insensitively.
func JoinNames(records []repository.AttendanceRecord, names map[string]string, query string) []AttendanceRow {
	query = strings.ToLower(strings.TrimSpace(query))
	rows := make([]AttendanceRow, 0, len(records))
	for _, r := range records {
		row := AttendanceRow{
			SubjectID:   r.SubjectID,
			SubjectName: names[r.SubjectID],
			ClassID:     r.ClassID,
			RecordedAt:  r.RecordedAt.UTC(),
			Score:       r.Score,
		}
		if query != "" && !row.matches(query) {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func (r AttendanceRow) matches(query string) bool {
	return strings.Contains(strings.ToLower(r.SubjectName), query) ||
		strings.Contains(strings.ToLower(r.SubjectID), query) ||
		strings.Contains(strings.ToLower(r.ClassID), query)
}

func parseAttendanceFilter(c *gin.Context) (repository.AttendanceFilter, error) {
	filter := repository.AttendanceFilter{
		SubjectID: strings.TrimSpace(c.Query("subject_id")),
		ClassID:   strings.TrimSpace(c.Query("class_id")),
		Limit:     maxListLimit,
	}
	var err error
	if filter.From, err = ParseTime(c.Query("from")); err != nil {
		return filter, fmt.Errorf("invalid from: %w", err)
	}
	if filter.To, err = ParseTime(c.Query("to")); err != nil {
		return filter, fmt.Errorf("invalid to: %w", err)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return filter, fmt.Errorf("to must be after from")
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		if n < maxListLimit {
			filter.Limit = n
		}
	}
	return filter, nil
}

// ParseTime accepts RFC3339 timestamps or plain dates.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
