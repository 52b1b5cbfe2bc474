package export

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"slotbook/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Записи"

var headers = []string{"ID", "Начало", "Конец", "Услуга", "Ресурсы", "Статус", "Платёж", "Создана"}

type catalog interface {
	GetResource(ctx context.Context, id int64) (*models.Resource, error)
	GetService(ctx context.Context, id int64) (*models.Service, error)
}

// BookingExporter renders bookings into an XLSX workbook in business time.
type BookingExporter struct {
	catalog catalog
	loc     *time.Location
}

func NewBookingExporter(c catalog, loc *time.Location) *BookingExporter {
	if loc == nil {
		loc = time.UTC
	}
	return &BookingExporter{catalog: c, loc: loc}
}

// Write renders the workbook straight into w.
func (e *BookingExporter) Write(ctx context.Context, w io.Writer, bookings []*models.Booking, from, to time.Time) error {
	f, err := e.Workbook(ctx, bookings, from, to)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func (e *BookingExporter) Workbook(ctx context.Context, bookings []*models.Booking, from, to time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	// Заголовок периода
	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Период: %s - %s",
		from.In(e.loc).Format("02.01.2006"), to.In(e.loc).Format("02.01.2006")))

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating style: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, h)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	services := make(map[int64]string)
	resources := make(map[int64]string)
	for i, b := range bookings {
		row := i + 3
		values := []interface{}{
			b.ID,
			b.StartAt.In(e.loc).Format("02.01.2006 15:04"),
			b.EndAt.In(e.loc).Format("15:04"),
			e.serviceName(ctx, services, b.ServiceID),
			e.resourceNames(ctx, resources, b.ResourceIDs),
			statusTitle(b.Status),
			b.PaymentReference,
			b.CreatedAt.In(e.loc).Format("02.01.2006 15:04"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheetName, cell, v)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 8)
	_ = f.SetColWidth(sheetName, "B", "C", 18)
	_ = f.SetColWidth(sheetName, "D", "E", 28)
	_ = f.SetColWidth(sheetName, "F", "H", 16)
	return f, nil
}

func (e *BookingExporter) serviceName(ctx context.Context, cache map[int64]string, id int64) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := "#" + strconv.FormatInt(id, 10)
	if e.catalog != nil {
		if s, err := e.catalog.GetService(ctx, id); err == nil {
			name = s.Name
		}
	}
	cache[id] = name
	return name
}

func (e *BookingExporter) resourceNames(ctx context.Context, cache map[int64]string, ids []int64) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		name, ok := cache[id]
		if !ok {
			name = "#" + strconv.FormatInt(id, 10)
			if e.catalog != nil {
				if r, err := e.catalog.GetResource(ctx, id); err == nil {
					name = r.Name
				}
			}
			cache[id] = name
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

func statusTitle(status string) string {
	switch status {
	case models.StatusConfirmed:
		return "Подтверждена"
	case models.StatusCancelled:
		return "Отменена"
	case models.StatusCompleted:
		return "Завершена"
	default:
		return status
	}
}
