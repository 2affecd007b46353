package batches

import "time"

// Batch records one upload transaction and the identifier range it reserved.
type Batch struct {
	ID         string    `gorm:"column:id;primaryKey;size:36;not null" json:"id"`
	Title      string    `gorm:"column:title;size:512;not null;index" json:"title"`
	UploadedAt time.Time `gorm:"column:uploaded_at;not null;index" json:"uploaded_at"`
	ImageCount int       `gorm:"column:image_count;not null" json:"image_count"`
	FirstID    int64     `gorm:"column:first_id;not null;uniqueIndex" json:"first_id"`
	LastID     int64     `gorm:"column:last_id;not null;uniqueIndex" json:"last_id"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Batch) TableName() string {
	return "batches"
}

// Image records one stored file. ImageCount on the owning batch is never
// decremented when an image is removed on its own.
type Image struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	BatchID          string    `gorm:"column:batch_id;size:36;not null;index" json:"batch_id"`
	Filename         string    `gorm:"column:filename;size:32;not null;uniqueIndex" json:"filename"`
	URL              string    `gorm:"column:url;size:1024;not null" json:"url"`
	OriginalFilename *string   `gorm:"column:original_filename;size:1024" json:"original_filename"`
	Bytes            int64     `gorm:"column:bytes;not null" json:"bytes"`
	MIME             string    `gorm:"column:mime;size:255;not null" json:"mime"`
	UploadedAt       time.Time `gorm:"column:uploaded_at;not null" json:"uploaded_at"`
	Batch            *Batch    `gorm:"foreignKey:BatchID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Image) TableName() string {
	return "images"
}

// BatchSummary augments a batch with the aggregates the gallery lists.
type BatchSummary struct {
	Batch
	FirstFilename string `json:"first_filename"`
	LastFilename  string `json:"last_filename"`
	TotalBytes    int64  `json:"total_bytes"`
}

// BatchDetail is a batch with its images ordered by identifier.
type BatchDetail struct {
	Batch  Batch   `json:"batch"`
	Images []Image `json:"images"`
}

// UploadFile is one decoded file of an upload request.
type UploadFile struct {
	Name string
	Data []byte
	MIME string
}

// CommitResult is the outcome of a successful Commit.
type CommitResult struct {
	Batch  Batch   `json:"batch"`
	Images []Image `json:"images"`
}

// DeletedImage identifies an image removed by DeleteImage.
type DeletedImage struct {
	Filename string `json:"filename"`
	BatchID  string `json:"batch_id"`
}

// ListFilter narrows ListBatches. Zero values disable a filter; To is exclusive.
type ListFilter struct {
	Search string
	From   time.Time
	To     time.Time
}
