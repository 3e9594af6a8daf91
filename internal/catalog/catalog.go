// Package catalog 本地数据集目录，记录项目、数据集处理状态和预测运行
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	CopperCore "github.com/luke12122003/coppercore-ai"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("catalog: record not found")

// Project 勘探项目
type Project struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null"`
	TargetCRS string `gorm:"default:EPSG:4326"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Dataset 地理数据集
type Dataset struct {
	ID            string `gorm:"primaryKey;size:36"`
	ProjectID     uint   `gorm:"index"`
	Project       Project
	Name          string `gorm:"uniqueIndex;not null"`
	Type          string `gorm:"size:16"`
	File          string
	CRS           string
	BandCount     int
	GeometryTypes string
	Status        string `gorm:"size:20;default:Raw"`
	TaskMessage   string
	UpdatedAt     time.Time
}

// ModelRun 一次预测运行
type ModelRun struct {
	ID          string `gorm:"primaryKey;size:36"`
	ProjectID   uint   `gorm:"index"`
	ModelName   string
	Inputs      string // 逗号分隔的数据集ID
	OutputDir   string
	Status      string `gorm:"size:20;default:Pending"`
	PatchCount  int
	TaskMessage string
	PredictedAt time.Time
}

// Catalog gorm sqlite 目录
type Catalog struct {
	db *gorm.DB
}

// Open 打开（或创建）目录数据库并迁移表结构
func Open(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Project{}, &Dataset{}, &ModelRun{}); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close 关闭数据库连接
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureProject 按名称获取项目，不存在时创建
func (c *Catalog) EnsureProject(ctx context.Context, name, targetCRS string) (*Project, error) {
	if targetCRS == "" {
		targetCRS = CopperCore.DefaultTargetCRS
	}
	p := Project{Name: name}
	err := c.db.WithContext(ctx).
		Where(Project{Name: name}).
		Attrs(Project{TargetCRS: targetCRS}).
		FirstOrCreate(&p).Error
	if err != nil {
		return nil, fmt.Errorf("ensure project %q: %w", name, err)
	}
	return &p, nil
}

// RegisterDataset 登记数据集。校验通过时状态为Validated，否则为Raw并记录原因。
func (c *Catalog) RegisterDataset(ctx context.Context, projectID uint, path string) (*Dataset, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	d := Dataset{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      filepath.Base(abs),
		File:      abs,
		Status:    string(CopperCore.StatusRaw),
	}
	info, err := CopperCore.ValidateDataset(abs)
	if err != nil {
		d.TaskMessage = err.Error()
		if t, terr := CopperCore.DetectDatasetType(abs); terr == nil {
			d.Type = string(t)
		}
	} else {
		d.Type = string(info.Type)
		d.CRS = CopperCore.CRSLabel(info.CRS)
		d.BandCount = info.BandCount
		d.GeometryTypes = strings.Join(info.GeometryTypes, ",")
		d.Status = string(CopperCore.StatusValidated)
	}
	if err := c.db.WithContext(ctx).Create(&d).Error; err != nil {
		return nil, fmt.Errorf("register dataset %s: %w", abs, err)
	}
	return &d, nil
}

// Dataset 按ID查询数据集
func (c *Catalog) Dataset(ctx context.Context, id string) (*Dataset, error) {
	var d Dataset
	err := c.db.WithContext(ctx).Preload("Project").First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Datasets 列出项目下的数据集
func (c *Catalog) Datasets(ctx context.Context, projectID uint) ([]Dataset, error) {
	var ds []Dataset
	err := c.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("updated_at").
		Find(&ds).Error
	return ds, err
}

// Job 由目录记录构造预处理任务
func (d *Dataset) Job() CopperCore.Job {
	return CopperCore.Job{ID: d.ID, Path: d.File, Type: CopperCore.DatasetType(d.Type)}
}

// RecordStatus 实现 CopperCore.StatusRecorder
func (c *Catalog) RecordStatus(ctx context.Context, id string, status CopperCore.DatasetStatus, message string) error {
	return c.update(ctx, id, map[string]interface{}{
		"status":       string(status),
		"task_message": message,
	})
}

// RecordResult 记录处理结果；输出文件和类型变化（矢量 -> 邻近度栅格）同步到记录
func (c *Catalog) RecordResult(ctx context.Context, id string, r CopperCore.Result) error {
	fields := map[string]interface{}{
		"status":       string(r.Status),
		"task_message": r.Message,
	}
	if r.OK() && r.OutputPath != "" {
		fields["file"] = r.OutputPath
	}
	if r.OK() && r.DatasetType != "" {
		fields["type"] = string(r.DatasetType)
	}
	return c.update(ctx, id, fields)
}

func (c *Catalog) update(ctx context.Context, id string, fields map[string]interface{}) error {
	res := c.db.WithContext(ctx).Model(&Dataset{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update dataset %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// StartRun 登记一次预测运行，状态为Running
func (c *Catalog) StartRun(ctx context.Context, projectID uint, modelName string, datasetIDs []string, outDir string) (*ModelRun, error) {
	run := ModelRun{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		ModelName:   modelName,
		Inputs:      strings.Join(datasetIDs, ","),
		OutputDir:   outDir,
		Status:      string(CopperCore.StatusRunning),
		PredictedAt: time.Now(),
	}
	if err := c.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return &run, nil
}

// FinishRun 记录预测结果
func (c *Catalog) FinishRun(ctx context.Context, runID string, r CopperCore.Result) error {
	fields := map[string]interface{}{
		"status":       string(r.Status),
		"task_message": r.Message,
		"predicted_at": time.Now(),
	}
	if r.Artifacts != nil {
		fields["patch_count"] = r.Artifacts.PatchCount
	}
	res := c.db.WithContext(ctx).Model(&ModelRun{}).Where("id = ?", runID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("finish run %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Run 按ID查询预测运行
func (c *Catalog) Run(ctx context.Context, id string) (*ModelRun, error) {
	var run ModelRun
	err := c.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

var _ CopperCore.StatusRecorder = (*Catalog)(nil)
